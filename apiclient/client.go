// Package apiclient implements the HTTP accessor for the direct channel
// encryption endpoints of the messaging server.
//
// Transient failures (network errors, 408, 500, 502, 503 and 504) are retried
// with an exponential backoff and are never surfaced to callers unless the
// attempt limit is reached. HTTP 400 replies are decoded into
// rpc.BusinessError values.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/companyzero/arlekin/rpc"
	"github.com/decred/slog"
)

const (
	defaultNetworkErrorDelay = 3 * time.Second
	defaultServerErrorDelay  = time.Second
	defaultUnavailableDelay  = 5 * time.Second
	defaultMaxDelay          = 30 * time.Second

	// maxReplySize is the largest reply body that is read.
	maxReplySize = 16 * 1024 * 1024
)

// Config is the configuration of a Client.
type Config struct {
	// BaseURL is the API root, for example "https://example.com/api/v1/".
	BaseURL string

	// HTTPClient performs the requests. Defaults to a client without a
	// global timeout, as every request is bound by its context.
	HTTPClient *http.Client

	// AuthToken returns the bearer token to send with every request. If
	// nil, no Authorization header is added.
	AuthToken func() string

	// RefreshToken is called when the server reports the token as
	// expired. No request is sent while a refresh is in progress.
	RefreshToken func(ctx context.Context) error

	// MaxAttempts bounds the number of attempts of a request that keeps
	// failing transiently. Zero means retry until the context is done.
	MaxAttempts int

	NetworkErrorDelay time.Duration
	ServerErrorDelay  time.Duration
	UnavailableDelay  time.Duration
	MaxDelay          time.Duration

	Log slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.NetworkErrorDelay == 0 {
		cfg.NetworkErrorDelay = defaultNetworkErrorDelay
	}
	if cfg.ServerErrorDelay == 0 {
		cfg.ServerErrorDelay = defaultServerErrorDelay
	}
	if cfg.UnavailableDelay == 0 {
		cfg.UnavailableDelay = defaultUnavailableDelay
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.Log == nil {
		cfg.Log = slog.Disabled
	}
}

// Stats are the request counters of a Client.
type Stats struct {
	Requests uint64
	Retries  uint64
}

// Client accesses the server endpoints. It is safe for concurrent use.
type Client struct {
	cfg  Config
	base *url.URL
	log  slog.Logger

	// authMtx is held for reading while requests are in flight and for
	// writing while the token is refreshed.
	authMtx sync.RWMutex

	requests atomic.Uint64
	retries  atomic.Uint64
}

// New returns a new client.
func New(cfg Config) (*Client, error) {
	cfg.setDefaults()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", base.Scheme)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return &Client{cfg: cfg, base: base, log: cfg.Log}, nil
}

// Stats returns the request counters.
func (c *Client) Stats() Stats {
	return Stats{Requests: c.requests.Load(), Retries: c.retries.Load()}
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.base.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// send performs a single attempt of a request.
func (c *Client) send(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	c.authMtx.RLock()
	if c.cfg.AuthToken != nil {
		if token := c.cfg.AuthToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	c.requests.Add(1)
	res, err := c.cfg.HTTPClient.Do(req)
	c.authMtx.RUnlock()
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(res.Body, maxReplySize))
	if err != nil {
		return 0, nil, err
	}
	return res.StatusCode, reply, nil
}

func (c *Client) refresh(ctx context.Context) error {
	c.authMtx.Lock()
	defer c.authMtx.Unlock()
	return c.cfg.RefreshToken(ctx)
}

// do sends the request, retrying transient failures, and decodes a
// successful reply into reply (if not nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, request, reply interface{}) error {
	var body []byte
	if request != nil {
		var err error
		if body, err = json.Marshal(request); err != nil {
			return fmt.Errorf("unable to encode request: %w", err)
		}
	}
	endpoint := c.endpoint(path, query)

	var delay, lastWait time.Duration
	var refreshed bool
	for attempt := 1; ; attempt++ {
		if delay > 0 {
			c.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var wait time.Duration
		status, replyBody, err := c.send(ctx, method, endpoint, body)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.log.Debugf("%s %s failed: %v", method, path, err)
			wait = c.cfg.NetworkErrorDelay

		case status == http.StatusOK:
			if reply == nil || len(bytes.TrimSpace(replyBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(replyBody, reply); err != nil {
				return fmt.Errorf("unable to decode %s reply: %w", path, err)
			}
			return nil

		case status == http.StatusBadRequest:
			berr, err := rpc.ParseBusinessError(replyBody)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			c.log.Tracef("%s %s: %v", method, path, berr)
			return berr

		case status == http.StatusUnauthorized:
			var unauth rpc.UnauthorizedReply
			_ = json.Unmarshal(replyBody, &unauth)
			if !unauth.IsExpired || c.cfg.RefreshToken == nil || refreshed {
				return ErrUnauthorized
			}
			c.log.Debugf("Refreshing expired auth token")
			if err := c.refresh(ctx); err != nil {
				return fmt.Errorf("%w: unable to refresh token: %v",
					ErrUnauthorized, err)
			}
			refreshed = true
			delay = 0
			continue

		case status == http.StatusForbidden:
			return ErrForbidden

		case status == http.StatusRequestTimeout,
			status == http.StatusInternalServerError,
			status == http.StatusBadGateway,
			status == http.StatusGatewayTimeout:
			c.log.Debugf("%s %s returned status %d", method, path, status)
			wait = c.cfg.ServerErrorDelay

		case status == http.StatusServiceUnavailable:
			c.log.Debugf("%s %s: service unavailable", method, path)
			wait = c.cfg.UnavailableDelay

		default:
			return StatusError{Code: status, Body: string(replyBody)}
		}

		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			if err == nil {
				err = StatusError{Code: status}
			}
			return fmt.Errorf("%w (%s after %d attempts): %v",
				ErrRetriesExhausted, path, attempt, err)
		}

		// Exponential backoff while the same kind of failure repeats.
		if wait == lastWait && delay > 0 {
			delay *= 2
		} else {
			delay = wait
		}
		if delay > c.cfg.MaxDelay {
			delay = c.cfg.MaxDelay
		}
		lastWait = wait
	}
}

// IsTransient returns true if err is a retry exhaustion or context error,
// that is, an error that does not reflect the state of the server.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRetriesExhausted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
