// Package fetch retrieves upstream archive files over HTTP(S), with
// retry, proxying, conditional-GET, and size-ceiling enforcement.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/net/http/httpproxy"

	"github.com/proxmox/proxmox-offline-mirror/pkg/mirrorerr"
)

const (
	maxRedirects = 8
	retryInitial = 500 * time.Millisecond
	retryCap     = 8 * time.Second
	maxAttempts  = 5
)

// ErrNotModified is returned by Get when conditional-GET is enabled and
// the upstream responded 304.
var ErrNotModified = fmt.Errorf("not modified")

// Fetcher performs HTTP GETs against upstream archive mirrors.
type Fetcher struct {
	client    *http.Client
	validators *validatorCache
}

// New builds a Fetcher honoring ALL_PROXY, per spec.
func New() *Fetcher {
	transport := &http.Transport{
		Proxy: proxyFromEnvironment,
	}
	return &Fetcher{
		client: &http.Client{
			Transport:     transport,
			CheckRedirect: limitRedirects,
		},
		validators: newValidatorCache(),
	}
}

func limitRedirects(_ *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	return nil
}

// proxyFromEnvironment resolves ALL_PROXY (in addition to the usual
// HTTP_PROXY/HTTPS_PROXY/NO_PROXY) the way httpproxy.FromEnvironment
// already does, plus the ALL_PROXY fallback the stdlib does not cover.
func proxyFromEnvironment(req *http.Request) (*url.URL, error) {
	cfg := httpproxy.FromEnvironment()
	if cfg.HTTPProxy == "" && cfg.HTTPSProxy == "" {
		if all := os.Getenv("ALL_PROXY"); all != "" {
			cfg.HTTPProxy = all
			cfg.HTTPSProxy = all
		}
	}
	return cfg.ProxyFunc()(req.URL)
}

// Options configures a single Get call.
type Options struct {
	// MaxBytes, if nonzero, caps the response body size; exceeding it
	// fails with mirrorerr.KindTooLarge.
	MaxBytes int64
	// Conditional, if true, attaches If-None-Match/If-Modified-Since
	// from the validator cache and treats 304 as ErrNotModified.
	Conditional bool
}

// Result is a successful fetch.
type Result struct {
	Body       []byte
	ETag       string
	LastModified string
}

// Get retrieves rawURL, retrying transient network failures with
// exponential backoff.
func (f *Fetcher) Get(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	var lastErr error
	wait := retryInitial

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			wait = time.Duration(math.Min(float64(wait*2), float64(retryCap)))
		}

		res, err := f.attempt(ctx, rawURL, opts)
		if err == nil {
			return res, nil
		}
		if err == ErrNotModified {
			return nil, err
		}
		if !isTransient(err) {
			return nil, err
		}
		lastErr = err
		slog.Debug("fetch retry", slog.String("url", rawURL), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))
	}

	return nil, mirrorerr.New(mirrorerr.KindNetworkTransient, fmt.Errorf("exhausted %d attempts: %w", maxAttempts, lastErr))
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindNetworkPermanent, err)
	}

	if opts.Conditional {
		if v, ok := f.validators.get(rawURL); ok {
			if v.etag != "" {
				req.Header.Set("If-None-Match", v.etag)
			}
			if v.lastModified != "" {
				req.Header.Set("If-Modified-Since", v.lastModified)
			}
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindNetworkTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, ErrNotModified
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mirrorerr.Upstream(resp.StatusCode)
	}

	var reader io.Reader = resp.Body
	if opts.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, opts.MaxBytes+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, mirrorerr.New(mirrorerr.KindNetworkTransient, err)
	}
	if opts.MaxBytes > 0 && int64(len(body)) > opts.MaxBytes {
		return nil, mirrorerr.New(mirrorerr.KindTooLarge, fmt.Errorf("exceeded %d bytes", opts.MaxBytes))
	}

	result := &Result{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	if opts.Conditional && (result.ETag != "" || result.LastModified != "") {
		f.validators.put(rawURL, validator{etag: result.ETag, lastModified: result.LastModified})
	}
	return result, nil
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if k, ok := mirrorerr.KindOf(err); ok {
		switch k {
		case mirrorerr.KindNetworkTransient:
			return true
		default:
			return false
		}
	}
	return false
}
