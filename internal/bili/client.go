// Package bili implements the vendor-facing HTTP layer of the bot.
//
// Client is the cookie-aware session (one per process, one per identity):
// it decodes the vendor's JSON envelope, maps transport failures and the
// special 412/429 statuses to synthetic result codes, and exposes named
// cookie access so the engine can read the CSRF token and inject the gaia
// vtoken between calls.
//
// API (api.go) sits on top of Client and provides the typed operations the
// state machine drives: project snapshot, order prepare, risk register and
// validate, order create, create status, and order info.
package bili

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"bili-ticket-bot/internal/config"
	"bili-ticket-bot/pkg/types"
)

const (
	showHost = "https://show.bilibili.com"
	apiHost  = "https://api.bilibili.com"

	// CookieCSRF must be present before any risk-endpoint call.
	CookieCSRF = "bili_jct"
	// CookieGaiaVToken is injected by the engine after a solved challenge.
	CookieGaiaVToken = "x-bili-gaia-vtoken"
)

// mobileUAs is the pool the per-process user agent is drawn from. The vendor
// profiles desktop browsers much harder than the mobile web view.
var mobileUAs = []string{
	"Mozilla/5.0 (Linux; Android 13; SM-G9910) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 12; M2012K11AC) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 13; V2231A) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/116.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 14; 23127PN0CC) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Mobile Safari/537.36",
}

var (
	uaOnce    sync.Once
	processUA string
)

// ProcessUA returns the randomized mobile user agent, chosen once per process.
func ProcessUA() string {
	uaOnce.Do(func() {
		processUA = mobileUAs[rand.Intn(len(mobileUAs))]
	})
	return processUA
}

// Client is the cookie-aware HTTP session shared by every vendor call.
//
// The acquisition loop is single-threaded, so the cookie map needs no lock:
// it is mutated only from response headers inside Call and by the engine
// between calls.
type Client struct {
	http    *resty.Client
	logger  *slog.Logger
	cookies map[string]string
	rest    time.Duration // pause after a 412 ban before reporting transport failure
	debug   bool

	// Endpoint bases, overridable in tests.
	showHost string
	apiHost  string

	// Failures already logged, keyed by URL and failure kind. Repeats drop
	// to DEBUG so the retry loop cannot flood the log.
	failed map[failKey]struct{}
}

type failKey struct {
	url  string
	kind string
}

// NewClient builds the session from the network and identity sections of the
// configuration: timeout, optional proxy, seeded cookies, header overrides,
// and the pinned Origin/Referer plus the process user agent.
func NewClient(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		logger:   logger.With("component", "client"),
		cookies:  make(map[string]string),
		rest:     cfg.Network.Rest,
		debug:    cfg.Debug,
		showHost: showHost,
		apiHost:  apiHost,
		failed:   make(map[failKey]struct{}),
	}

	for k, v := range cfg.Identity.Cookie {
		c.cookies[k] = v
	}

	hc := resty.New().
		SetTimeout(cfg.Network.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetHeaders(map[string]string{
			"Accept":          "*/*",
			"Accept-Language": "zh-CN,zh;q=0.9",
			"Origin":          showHost,
			"Referer":         showHost + "/",
			"User-Agent":      ProcessUA(),
		}).
		SetHeaders(cfg.Identity.Header)
	if cfg.Network.Proxy != "" {
		hc.SetProxy(cfg.Network.Proxy)
	}

	if c.debug {
		hc.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
			c.logger.Debug("request", "method", req.Method, "url", req.URL, "form", req.FormData.Encode())
			return nil
		})
		hc.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
			c.logger.Debug("response",
				"url", resp.Request.URL,
				"status", resp.StatusCode(),
				"body", resp.String(),
			)
			return nil
		})
	}

	c.http = hc
	return c, nil
}

// Call issues one request and returns the decoded envelope. Transport
// failures, non-2xx statuses, and undecodable bodies all come back as a
// synthetic envelope so the caller switches on Code uniformly.
//
// GET sends params as the query string, POST as a form body (the vendor's
// ticketing endpoints are form-encoded, not JSON).
func (c *Client) Call(ctx context.Context, method, rawURL string, params url.Values) types.Envelope {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Cookie", c.cookieHeader())
	if params != nil {
		if method == http.MethodGet {
			req.SetQueryParamsFromValues(params)
		} else {
			req.SetFormDataFromValues(params)
		}
	}

	resp, err := req.Execute(method, rawURL)
	if err != nil {
		c.logFailure(slog.LevelWarn, rawURL, "transport", "transport failure", "url", rawURL, "error", err)
		return types.Transport(err.Error())
	}

	c.harvestCookies(resp.Cookies())

	switch status := resp.StatusCode(); {
	case status == http.StatusPreconditionFailed:
		// 412: the source IP tripped the vendor's ban. Recoverable once the
		// ban lifts or the operator moves IPs, so pause and report transport.
		c.logFailure(slog.LevelError, rawURL, "ban",
			"request blocked with 412, source IP is rate-banned; pausing",
			"url", rawURL, "rest", c.rest)
		select {
		case <-time.After(c.rest):
		case <-ctx.Done():
		}
		return types.Transport("ip banned (412)")
	case status == http.StatusTooManyRequests:
		return types.Envelope{Code: types.CodeOverloaded, Msg: "server overloaded (429)"}
	case status < 200 || status > 299:
		c.logFailure(slog.LevelWarn, rawURL, "status", "unexpected status", "url", rawURL, "status", status)
		return types.Transport(fmt.Sprintf("status %d", status))
	}

	var env types.Envelope
	if err := env.UnmarshalJSON(resp.Body()); err != nil {
		c.logFailure(slog.LevelWarn, rawURL, "envelope", "undecodable response body", "url", rawURL, "error", err)
		return types.Transport("bad envelope: " + err.Error())
	}
	return env
}

// Cookie returns the named cookie value, or "" if absent.
func (c *Client) Cookie(name string) string {
	return c.cookies[name]
}

// SetCookie stores a cookie in the jar. Used by the engine to inject the
// gaia vtoken after a solved challenge.
func (c *Client) SetCookie(name, value string) {
	c.cookies[name] = value
}

// CSRF returns the bili_jct cookie carried as the csrf form field on every
// risk-endpoint call.
func (c *Client) CSRF() string {
	return c.cookies[CookieCSRF]
}

// logFailure logs the first failure of each (url, kind) at the given level;
// repeats drop to DEBUG.
func (c *Client) logFailure(level slog.Level, url, kind, msg string, args ...any) {
	key := failKey{url: url, kind: kind}
	if _, seen := c.failed[key]; seen {
		c.logger.Debug(msg, args...)
		return
	}
	c.failed[key] = struct{}{}
	c.logger.Log(context.Background(), level, msg, args...)
}

func (c *Client) harvestCookies(cookies []*http.Cookie) {
	for _, ck := range cookies {
		if ck.Value == "" {
			delete(c.cookies, ck.Name)
			continue
		}
		c.cookies[ck.Name] = ck.Value
	}
}

func (c *Client) cookieHeader() string {
	parts := make([]string, 0, len(c.cookies))
	for k, v := range c.cookies {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}
