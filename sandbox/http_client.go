package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultFetchTimeout is the default HTTP request timeout for frame fetches.
	DefaultFetchTimeout = 5 * time.Second

	// DefaultMaxRetries is the default number of retry attempts.
	DefaultMaxRetries = 3

	// defaultBaseBackoff is the base delay for exponential backoff.
	defaultBaseBackoff = 200 * time.Millisecond

	// maxResponseBytes limits a frame body to 16 MB.
	maxResponseBytes = 16 << 20
)

// errNotFound marks a 404, which is not retried.
var errNotFound = errors.New("not found")

// FetchOption configures FetchFrame behavior.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultFetchConfig() fetchConfig {
	return fetchConfig{
		timeout:     DefaultFetchTimeout,
		maxRetries:  DefaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.timeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(n int) FetchOption {
	return func(c *fetchConfig) {
		c.maxRetries = n
	}
}

// WithBaseBackoff sets the base delay for exponential backoff between retries.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(c *fetchConfig) {
		c.baseBackoff = d
	}
}

// WithHTTPClient overrides the default HTTP client (useful for testing).
func WithHTTPClient(client *http.Client) FetchOption {
	return func(c *fetchConfig) {
		c.client = client
	}
}

// FetchFrame fetches one frame from a sensor bridge serving /depth.png and,
// optionally, /color.png under baseURL. Transient failures are retried with
// exponential backoff. A bridge without a color endpoint yields a frame
// with a nil Color.
func FetchFrame(ctx context.Context, baseURL string, opts ...FetchOption) (Frame, error) {
	if baseURL == "" {
		return Frame{}, fmt.Errorf("fetch frame: API URL is empty")
	}

	cfg := defaultFetchConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}
	base := strings.TrimRight(baseURL, "/")

	depthBody, err := fetchWithRetry(ctx, client, base+"/depth.png", cfg)
	if err != nil {
		return Frame{}, fmt.Errorf("fetch depth: %w", err)
	}
	depth, err := DecodeDepthFrame(depthBody)
	if err != nil {
		// Decode errors are not transient; do not retry.
		return Frame{}, fmt.Errorf("fetch depth: %w", err)
	}

	frame := Frame{Depth: depth, Captured: time.Now()}
	colorBody, err := fetchWithRetry(ctx, client, base+"/color.png", cfg)
	switch {
	case errors.Is(err, errNotFound):
	case err != nil:
		return Frame{}, fmt.Errorf("fetch color: %w", err)
	default:
		if frame.Color, err = DecodeColorFrame(colorBody); err != nil {
			return Frame{}, fmt.Errorf("fetch color: %w", err)
		}
	}
	return frame, nil
}

func fetchWithRetry(ctx context.Context, client *http.Client, url string, cfg fetchConfig) ([]byte, error) {
	var lastErr error
	for attempt := range cfg.maxRetries {
		if attempt > 0 {
			backoff := cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, err := doFetch(ctx, client, url)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, errNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", cfg.maxRetries, lastErr)
}

// doFetch performs a single HTTP GET and returns the response body bytes.
func doFetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "image/png")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("HTTP GET %s: %w", url, errNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return body, nil
}

// HTTPFrameSource polls a sensor bridge.
type HTTPFrameSource struct {
	URL      string
	Interval time.Duration
	Options  []FetchOption
}

// Run polls until ctx is done, offering each frame on out.
func (s *HTTPFrameSource) Run(ctx context.Context, out chan Frame) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		f, err := FetchFrame(ctx, s.URL, s.Options...)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[HTTP] Frame fetch failed: %v", err)
			continue
		}
		Offer(out, f)
	}
}
