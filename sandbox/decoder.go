package sandbox

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
)

// rawDepthHeader is the width and height prefix of a raw depth payload.
const rawDepthHeader = 4

// DecodeDepthFrame decodes a depth payload in one of these formats:
//   - 16-bit grayscale PNG, one sample per pixel in millimeters
//   - little-endian uint16 width and height followed by zlib-compressed
//     little-endian uint16 samples
func DecodeDepthFrame(data []byte) (*RawDepthFrame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty depth payload")
	}
	if IsPNG(data) {
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding depth PNG: %w", err)
		}
		return depthFromImage(img), nil
	}
	return decodeRawDepth(data)
}

func depthFromImage(img image.Image) *RawDepthFrame {
	b := img.Bounds()
	f := NewRawDepthFrame(b.Dx(), b.Dy())
	if g, ok := img.(*image.Gray16); ok {
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				f.Set(x, y, g.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
		return f
	}
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			f.Set(x, y, color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y)
		}
	}
	return f
}

func decodeRawDepth(data []byte) (*RawDepthFrame, error) {
	if len(data) < rawDepthHeader {
		return nil, fmt.Errorf("raw depth payload too short: %d bytes", len(data))
	}
	w := int(binary.LittleEndian.Uint16(data[0:2]))
	h := int(binary.LittleEndian.Uint16(data[2:4]))
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("raw depth payload has empty size %dx%d", w, h)
	}
	samples, err := inflateZlib(data[rawDepthHeader:])
	if err != nil {
		return nil, err
	}
	if len(samples) != 2*w*h {
		return nil, fmt.Errorf("raw depth payload has %d bytes, want %d for %dx%d", len(samples), 2*w*h, w, h)
	}
	f := NewRawDepthFrame(w, h)
	for i := range f.Data {
		f.Data[i] = binary.LittleEndian.Uint16(samples[2*i:])
	}
	return f, nil
}

// EncodeRawDepth is the inverse of the raw format accepted by DecodeDepthFrame.
func EncodeRawDepth(f *RawDepthFrame) ([]byte, error) {
	var buf bytes.Buffer
	var hdr [rawDepthHeader]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(f.Width))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(f.Height))
	buf.Write(hdr[:])

	zw := zlib.NewWriter(&buf)
	samples := make([]byte, 2*len(f.Data))
	for i, v := range f.Data {
		binary.LittleEndian.PutUint16(samples[2*i:], v)
	}
	if _, err := zw.Write(samples); err != nil {
		return nil, fmt.Errorf("compressing depth samples: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing depth samples: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeDepthPNG writes f as a 16-bit grayscale PNG.
func EncodeDepthPNG(w io.Writer, f *RawDepthFrame) error {
	img := image.NewGray16(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: f.At(x, y)})
		}
	}
	return png.Encode(w, img)
}

// DecodeColorFrame decodes a PNG or JPEG color payload.
func DecodeColorFrame(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty color payload")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding color image: %w", err)
	}
	return img, nil
}

// IsPNG checks if data starts with PNG magic bytes
func IsPNG(data []byte) bool {
	if len(data) < 8 {
		return false
	}
	// PNG magic bytes: 0x89 'P' 'N' 'G' '\r' '\n' 0x1a '\n'
	return data[0] == 0x89 && data[1] == 'P' && data[2] == 'N' && data[3] == 'G'
}

// inflateZlib decompresses zlib-compressed data
func inflateZlib(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating zlib reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decompressing zlib data: %w", err)
	}
	return decompressed, nil
}

// ReadDepthFile reads and decodes a depth frame file.
func ReadDepthFile(path string) (*RawDepthFrame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading depth file: %w", err)
	}
	return DecodeDepthFrame(data)
}

// ReadColorFile reads and decodes a color frame file.
func ReadColorFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading color file: %w", err)
	}
	return DecodeColorFrame(data)
}
