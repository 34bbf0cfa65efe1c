package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	retryablehttp "github.com/hashicorp/go-retryablehttp"

	"github.com/knpwrs/hlsarchiver/internal/apperr"
	"github.com/knpwrs/hlsarchiver/internal/logger"
)

// Fetcher handles HTTP requests with retry logic and custom headers.
//
// This structure wraps the retryablehttp client so transient failures on
// playlists and fragments are retried with exponential backoff before they
// surface to the caller as a network error.
//
// See: https://context7.com/golang/go for Go HTTP client documentation
type Fetcher struct {
	client      *retryablehttp.Client
	userAgent   string
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// ErrInterrupted marks a transfer that failed after the response headers
// arrived: a reset connection, a short body or a read timeout. retryablehttp
// does not retry these, so callers that stream bodies retry them themselves.
var ErrInterrupted = errors.New("transfer interrupted")

// Options configures the Fetcher behavior.
type Options struct {
	// UserAgent sets the User-Agent header for requests
	UserAgent string
	// MaxAttempts is the total number of attempts per request, first try included
	MaxAttempts int
	// BackoffBase is the delay before the first retry; it doubles per attempt
	BackoffBase time.Duration
	// BackoffMax caps a single retry delay
	BackoffMax time.Duration
	// Timeout bounds each individual attempt
	Timeout time.Duration
	// MaxConnsPerHost limits parallel connections to one CDN host
	MaxConnsPerHost int
	// Logger receives retry notices at debug level
	Logger *logger.Logger
}

// DefaultOptions returns sensible default options for the Fetcher.
func DefaultOptions() Options {
	return Options{
		UserAgent:       "hlsarchiver/1.0",
		MaxAttempts:     3,
		BackoffBase:     1 * time.Second,
		BackoffMax:      30 * time.Second,
		Timeout:         15 * time.Second,
		MaxConnsPerHost: 5,
	}
}

// New creates a new Fetcher with the given options.
//
// Retries happen on connection errors, 429 and 5xx responses. The delay before
// retry n (starting at 0) is BackoffBase * 2^n, capped at BackoffMax.
func New(opts Options) *Fetcher {
	httpClient := cleanhttp.DefaultPooledClient()
	httpClient.Timeout = opts.Timeout
	if transport, ok := httpClient.Transport.(*http.Transport); ok && opts.MaxConnsPerHost > 0 {
		transport.MaxConnsPerHost = opts.MaxConnsPerHost
		transport.MaxIdleConnsPerHost = opts.MaxConnsPerHost
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = max(opts.MaxAttempts-1, 0)
	client.RetryWaitMin = opts.BackoffBase
	client.RetryWaitMax = opts.BackoffMax
	client.Backoff = ExponentialBackoff
	client.Logger = nil // Disable default logging

	if log := opts.Logger; log != nil {
		client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				log.Debugf("Retry %d for %s", attempt, req.URL)
			}
		}
	}

	return &Fetcher{
		client:      client,
		userAgent:   opts.UserAgent,
		maxAttempts: max(opts.MaxAttempts, 1),
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
	}
}

// MaxAttempts is the total number of attempts per request, first try included.
func (f *Fetcher) MaxAttempts() int {
	return f.maxAttempts
}

// Backoff is the delay before retry attempt (starting at 0), using the same
// policy as the client's own retries.
func (f *Fetcher) Backoff(attempt int) time.Duration {
	return ExponentialBackoff(f.backoffBase, f.backoffMax, attempt, nil)
}

// IsInterrupted reports whether err is a streaming failure worth retrying.
func IsInterrupted(err error) bool {
	return errors.Is(err, ErrInterrupted)
}

// ExponentialBackoff waits min * 2^attempt, capped at max. A Retry-After
// header on a 429 or 503 response takes precedence.
func ExponentialBackoff(min, max time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil && resp.Header.Get("Retry-After") != "" {
		return retryablehttp.DefaultBackoff(min, max, attempt, resp)
	}
	wait := time.Duration(float64(min) * math.Pow(2, float64(attempt)))
	if wait > max || wait <= 0 {
		return max
	}
	return wait
}

// Fetch downloads content from the given URL.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//   - url: The URL to fetch
//
// Returns the fetched content, or a network error once retries are exhausted.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.do(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Network("read "+url, err)
	}

	return body, nil
}

// FetchToWriter streams the body of url into w.
//
// The callback, when set, is called with the size of every chunk written, so
// callers can feed a shared byte counter while the transfer is running.
// A failure while the body is streaming wraps ErrInterrupted.
//
// Returns the number of bytes written.
func (f *Fetcher) FetchToWriter(ctx context.Context, url string, w io.Writer, callback func(n int)) (int64, error) {
	resp, err := f.do(ctx, http.MethodGet, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 32*1024) // 32KB buffer
	var written int64

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write body of %s: %w", url, err)
			}
			written += int64(n)
			if callback != nil {
				callback(n)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, apperr.Network("read "+url, fmt.Errorf("%w: %w", ErrInterrupted, readErr))
		}
	}

	if resp.ContentLength > 0 && written != resp.ContentLength {
		return written, apperr.Network("read "+url, fmt.Errorf("%w: short body: got %d of %d bytes", ErrInterrupted, written, resp.ContentLength))
	}

	return written, nil
}

// ContentLength probes the size of url with a HEAD request.
func (f *Fetcher) ContentLength(ctx context.Context, url string) (int64, error) {
	resp, err := f.do(ctx, http.MethodHead, url)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()

	if resp.ContentLength < 0 {
		return 0, apperr.Network("head "+url, fmt.Errorf("no content length"))
	}
	return resp.ContentLength, nil
}

func (f *Fetcher) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", url, err)
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.Network("fetch "+url, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, apperr.Network("fetch "+url, fmt.Errorf("unexpected status code %d", resp.StatusCode))
	}

	return resp, nil
}
