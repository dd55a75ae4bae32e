// Package download provides the fragment and playlist download capability
// for the player engine. It wraps the standard http.Client with transparent
// decompression (gzip, deflate, brotli), byte-range support, and structured
// logging. Failure policy (retry at profile, rampdown, abort) is owned by
// the callers; this package only classifies outcomes.
package download

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/jmylchreest/hlsplayer/internal/config"
	"github.com/jmylchreest/hlsplayer/internal/version"
)

// Common errors returned by the client.
var (
	// ErrPartialFile is returned when fewer bytes than Content-Length
	// arrived before the body ended.
	ErrPartialFile = errors.New("partial file")
	// ErrHTTPFailure is returned for non-2xx responses.
	ErrHTTPFailure = errors.New("http failure")
)

// HTTP header constants.
const (
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"
	headerRange           = "Range"

	acceptedEncodings = "gzip, deflate, br"
)

// Request describes a single download.
type Request struct {
	// URL to fetch.
	URL string
	// Range is an optional byte-range header value ("bytes=off-end").
	Range string
	// Timeout overrides the client default for this request. Fetchers
	// tighten this when the buffer is shrinking.
	Timeout time.Duration
	// Headers are additional request headers.
	Headers map[string]string
}

// Result holds the outcome of a download.
type Result struct {
	// Body is whatever was received. On failure it holds the partial
	// payload written before the failure; callers must discard it.
	Body []byte
	// HTTPCode is the response status code, or 0 when no response arrived.
	HTTPCode int
	// EffectiveURL is the final URL after redirects.
	EffectiveURL string
	// Elapsed is the total transfer time, used for bandwidth estimation.
	Elapsed time.Duration
}

// Client is the download client shared by all tracks of a player session.
type Client struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewClient creates a download client from configuration.
func NewClient(cfg config.DownloadConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parsing proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}

	return &Client{
		client:    &http.Client{Transport: transport},
		userAgent: userAgent,
		timeout:   cfg.FragmentTimeout,
		logger:    logger,
	}, nil
}

// Fetch downloads a single resource. The returned Result carries the HTTP
// code and effective URL even on failure so callers can report telemetry.
func (c *Client) Fetch(ctx context.Context, dreq Request) (Result, error) {
	result := Result{EffectiveURL: dreq.URL}

	timeout := dreq.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, dreq.URL, nil)
	if err != nil {
		return result, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set(headerUserAgent, c.userAgent)
	req.Header.Set(headerAcceptEncoding, acceptedEncodings)
	if dreq.Range != "" {
		req.Header.Set(headerRange, dreq.Range)
	}
	for k, v := range dreq.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		result.Elapsed = time.Since(start)
		c.logger.Warn("download failed",
			slog.String("url", dreq.URL),
			slog.Duration("elapsed", result.Elapsed),
			slog.String("error", err.Error()))
		return result, err
	}
	defer resp.Body.Close()

	result.HTTPCode = resp.StatusCode
	result.EffectiveURL = resp.Request.URL.String()

	if resp.StatusCode >= http.StatusBadRequest {
		result.Elapsed = time.Since(start)
		return result, fmt.Errorf("%w: status %d for %s", ErrHTTPFailure, resp.StatusCode, dreq.URL)
	}

	body, err := io.ReadAll(decompressed(resp))
	result.Body = body
	result.Elapsed = time.Since(start)
	if err != nil {
		return result, fmt.Errorf("reading body: %w", err)
	}

	// A response shorter than its declared length is a partial file.
	if resp.ContentLength > 0 && resp.Header.Get(headerContentEncoding) == "" &&
		int64(len(body)) < resp.ContentLength {
		return result, fmt.Errorf("%w: got %d of %d bytes", ErrPartialFile, len(body), resp.ContentLength)
	}

	c.logger.Debug("download complete",
		slog.String("url", dreq.URL),
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Duration("elapsed", result.Elapsed))

	return result, nil
}

// decompressed wraps the response body per its Content-Encoding.
func decompressed(resp *http.Response) io.Reader {
	switch strings.ToLower(resp.Header.Get(headerContentEncoding)) {
	case "gzip":
		if r, err := gzip.NewReader(resp.Body); err == nil {
			return r
		}
		return resp.Body
	case "deflate":
		return flate.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body)
	default:
		return resp.Body
	}
}

// RangeHeader formats a byte-range header value for a fragment.
func RangeHeader(offset, length int64) string {
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}

// IsRampdownCode reports whether an HTTP status triggers an immediate ABR
// rampdown rather than a same-profile retry.
func IsRampdownCode(code int) bool {
	switch code {
	case http.StatusNotFound,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

// IsTimeout reports whether the error is a timeout or connection failure
// eligible for a same-profile retry.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
