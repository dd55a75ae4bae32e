package drm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"github.com/jmylchreest/hlsplayer/internal/config"
)

// LicenseClient performs license exchanges against the configured
// per-system license servers. Requests are throttled by a rate limiter to
// avoid storms during key rotation, retried on 5xx/timeout/connection
// failure, and a 412 rejection triggers exactly one token refresh before
// the request is re-issued.
type LicenseClient struct {
	cfg     config.DRMConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	tokenMu sync.Mutex
	token   string
}

// NewLicenseClient creates a license client from configuration.
func NewLicenseClient(cfg config.DRMConfig, logger *slog.Logger) (*LicenseClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{}
	if cfg.LicenseProxy != "" {
		proxyURL, err := url.Parse(cfg.LicenseProxy)
		if err != nil {
			return nil, fmt.Errorf("parsing license proxy: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	rps := cfg.LicenseRequestsPerSecond
	if rps <= 0 {
		rps = 1
	}

	return &LicenseClient{
		cfg:     cfg,
		client:  &http.Client{Transport: transport, Timeout: cfg.LicenseRequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}, nil
}

// SetAuthToken installs an app-supplied session token, which takes
// precedence over the local auth service.
func (lc *LicenseClient) SetAuthToken(token string) {
	lc.tokenMu.Lock()
	lc.token = token
	lc.tokenMu.Unlock()
}

// Acquire runs the full license exchange for a helper and returns the
// derived key bytes.
func (lc *LicenseClient) Acquire(ctx context.Context, helper Helper, info ChallengeInfo) ([]byte, error) {
	if err := lc.limiter.Wait(ctx); err != nil {
		return nil, newError(CodeTimeout, 0, err)
	}

	token, err := lc.authToken(ctx, helper)
	if err != nil {
		return nil, err
	}
	info.AuthToken = token

	serverURL := lc.serverFor(helper)
	req, err := helper.GenerateLicenseRequest(info, serverURL)
	if err != nil {
		var drmErr *Error
		if errors.As(err, &drmErr) {
			return nil, err
		}
		return nil, newError(CodeChallenge, 0, err)
	}

	body, httpCode, err := lc.exchange(ctx, req)
	if httpCode == http.StatusPreconditionFailed {
		// License exchange rejected: refresh the token exactly once and
		// re-issue the request.
		lc.logger.Warn("license rejected with 412, refreshing token",
			slog.String("system", helper.Name()))
		lc.SetAuthToken("")
		token, tokenErr := lc.authToken(ctx, helper)
		if tokenErr != nil {
			return nil, tokenErr
		}
		info.AuthToken = token
		req, err = helper.GenerateLicenseRequest(info, serverURL)
		if err != nil {
			return nil, newError(CodeChallenge, 0, err)
		}
		body, httpCode, err = lc.exchange(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	key, err := helper.TransformLicenseResponse(body)
	if err != nil {
		return nil, err
	}

	lc.logger.Debug("license acquired",
		slog.String("system", helper.Name()),
		slog.Int("http_code", httpCode),
		slog.Int("key_bytes", len(key)))
	return key, nil
}

// exchange issues one license request with the configured retry budget.
func (lc *LicenseClient) exchange(ctx context.Context, lreq LicenseRequest) ([]byte, int, error) {
	attempts := uint(lc.cfg.LicenseRetryAttempts)
	if attempts == 0 {
		attempts = 1
	}

	var body []byte
	var httpCode int

	err := retry.Do(
		func() error {
			var reqBody io.Reader
			if len(lreq.Body) > 0 {
				reqBody = bytes.NewReader(lreq.Body)
			}
			req, err := http.NewRequestWithContext(ctx, lreq.Method, lreq.URL, reqBody)
			if err != nil {
				return retry.Unrecoverable(newError(CodeChallenge, 0, err))
			}
			for k, v := range lreq.Headers {
				req.Header.Set(k, v)
			}
			for k, v := range lc.cfg.LicenseHeaders {
				req.Header.Set(k, v)
			}

			resp, err := lc.client.Do(req)
			if err != nil {
				httpCode = 0
				return newError(CodeNetwork, 0, err)
			}
			defer resp.Body.Close()
			httpCode = resp.StatusCode

			payload, err := io.ReadAll(resp.Body)
			if err != nil {
				return newError(CodeNetwork, resp.StatusCode, err)
			}

			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
				body = payload
				return nil
			case resp.StatusCode >= 500:
				return newError(CodeNetwork, resp.StatusCode,
					fmt.Errorf("license server returned %d", resp.StatusCode))
			case resp.StatusCode == http.StatusPreconditionFailed:
				return retry.Unrecoverable(newError(CodeAuthorization, resp.StatusCode,
					fmt.Errorf("license exchange rejected")))
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return retry.Unrecoverable(newError(CodeAuthorization, resp.StatusCode,
					fmt.Errorf("license request not authorized")))
			default:
				return retry.Unrecoverable(newError(CodeNetwork, resp.StatusCode,
					fmt.Errorf("license server returned %d", resp.StatusCode)))
			}
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(lc.cfg.LicenseRetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		var drmErr *Error
		if errors.As(err, &drmErr) {
			return nil, httpCode, err
		}
		return nil, httpCode, newError(CodeNetwork, httpCode, err)
	}
	return body, httpCode, nil
}

// authToken returns the cached token or fetches one from the local auth
// service with its own short retry budget. External-license systems (plain
// key fetch) proceed without a token when none is configured.
func (lc *LicenseClient) authToken(ctx context.Context, helper Helper) (string, error) {
	lc.tokenMu.Lock()
	cached := lc.token
	lc.tokenMu.Unlock()
	if cached != "" {
		return cached, nil
	}
	if lc.cfg.AuthTokenURL == "" {
		if helper.IsExternalLicense() {
			return "", nil
		}
		return "", nil
	}

	attempts := uint(lc.cfg.AuthTokenAttempts)
	if attempts == 0 {
		attempts = 1
	}

	var token string
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, lc.cfg.AuthTokenURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := lc.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("auth service returned %d", resp.StatusCode)
			}
			payload, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			token = strings.TrimSpace(string(payload))
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", newError(CodeAuthorization, 0, fmt.Errorf("fetching session token: %w", err))
	}

	lc.SetAuthToken(token)
	return token, nil
}

// serverFor resolves the configured license server URL for a system.
func (lc *LicenseClient) serverFor(helper Helper) string {
	if helper.IsExternalLicense() {
		return ""
	}
	return lc.cfg.LicenseServer[helper.Name()]
}
