// Package api is the HTTP transport to the room backend. Every call returns a
// tagged Result; no call panics or returns a bare transport error.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/petervdpas/roomsync/internal/util"
)

var log = logging.Logger("roomsync/api")

// maxBody caps how much of a response body is read.
const maxBody = 1 << 20

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client with its own cookie jar. The backend identifies
// the browsing session by cookie, so the jar must be shared with anything
// else that talks to it (the chat socket).
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = util.DefaultRequestTimeout
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &Client{
		BaseURL: util.NormalizeURL(baseURL),
		HTTP: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}, nil
}

// Jar returns the session cookie jar.
func (c *Client) Jar() http.CookieJar {
	return c.HTTP.Jar
}

// WebSocketURL maps path onto the backend host with a ws:// or wss:// scheme.
func (c *Client) WebSocketURL(path string) (string, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}

func (c *Client) url(path string, q url.Values) string {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// do performs one request and classifies the response. body, when non-nil,
// is sent as JSON.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any) Result {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Result{Kind: KindError, Message: fmt.Sprintf("encode request: %v", err)}
		}
		rdr = bytes.NewReader(b)
	}

	u := c.url(path, q)
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return Result{Kind: KindError, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Debugf("%s %s: %v", method, u, err)
		return transient(fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return transient(fmt.Errorf("%s %s: read body: %w", method, path, err))
	}

	res := classify(resp.StatusCode, resp.Header.Get("Content-Type"), data)
	if res.Kind != KindOk && res.Kind != KindNoContent {
		log.Debugf("%s %s: %s (status %d) %s", method, u, res.Kind, res.Status, res.Message)
	}
	return res
}
