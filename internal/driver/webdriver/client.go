// Package webdriver is the HTTP backend of the automation driver
// contract. It talks to a headless-browser sidecar that owns the actual
// Chrome instances; one sidecar session maps to one account. The wire
// format is plain JSON and every request carries a bounded timeout, so
// a hung browser can never block the bot indefinitely.
package webdriver

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
	"time"

	"github.com/8g6ghfrgj/whatsapp-telegram-bot/internal/driver"
	logx "github.com/8g6ghfrgj/whatsapp-telegram-bot/pkg/logx"
)

type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 30 * time.Second

// NewFactory returns a driver.Factory that opens one sidecar session
// per account.
func NewFactory(cfg Config, log logx.Logger) (driver.Factory, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("webdriver base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("webdriver base url: %w", err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := &http.Client{Timeout: cfg.RequestTimeout}

	return func(ctx context.Context, account string) (driver.Driver, error) {
		c := &client{base: base, http: hc, timeout: cfg.RequestTimeout,
			log: log.With(logx.String("account", account))}
		var resp struct {
			SessionID string `json:"session_id"`
		}
		err := c.do(ctx, http.MethodPost, "/sessions", map[string]any{"name": account}, &resp)
		if err != nil {
			return nil, fmt.Errorf("create sidecar session: %w", err)
		}
		if resp.SessionID == "" {
			return nil, errors.New("sidecar returned empty session id")
		}
		c.session = resp.SessionID
		c.log.Debug("sidecar session created", logx.String("session", c.session))
		return c, nil
	}, nil
}

type client struct {
	base    string
	session string
	http    *http.Client
	timeout time.Duration
	log     logx.Logger
}

type wireLocator struct {
	By    string `json:"by"`
	Value string `json:"value"`
}

func toWire(ls []driver.Locator) []wireLocator {
	out := make([]wireLocator, len(ls))
	for i, l := range ls {
		out[i] = wireLocator{By: l.By, Value: l.Value}
	}
	return out
}

func (c *client) Navigate(ctx context.Context, target string) error {
	return c.do(ctx, http.MethodPost, c.sessionPath("/navigate"), map[string]any{"url": target}, nil)
}

func (c *client) FindFirst(ctx context.Context, locators []driver.Locator, timeout time.Duration) (driver.Element, error) {
	var resp struct {
		ElementID string `json:"element_id"`
	}
	body := map[string]any{"locators": toWire(locators), "timeout_ms": timeout.Milliseconds()}
	// Give the sidecar its full wait window plus network slack.
	ctx, cancel := context.WithTimeout(ctx, timeout+c.timeout)
	defer cancel()
	if err := c.do(ctx, http.MethodPost, c.sessionPath("/find"), body, &resp); err != nil {
		return driver.Element{}, err
	}
	if resp.ElementID == "" {
		return driver.Element{}, driver.ErrNotFound
	}
	return driver.Element{ID: resp.ElementID}, nil
}

func (c *client) FindTexts(ctx context.Context, locator driver.Locator, timeout time.Duration) ([]string, error) {
	var resp struct {
		Texts []string `json:"texts"`
	}
	body := map[string]any{"locator": wireLocator{By: locator.By, Value: locator.Value}, "timeout_ms": timeout.Milliseconds()}
	ctx, cancel := context.WithTimeout(ctx, timeout+c.timeout)
	defer cancel()
	if err := c.do(ctx, http.MethodPost, c.sessionPath("/texts"), body, &resp); err != nil {
		return nil, err
	}
	return resp.Texts, nil
}

func (c *client) Click(ctx context.Context, el driver.Element) error {
	return c.do(ctx, http.MethodPost, c.sessionPath("/click"), map[string]any{"element_id": el.ID}, nil)
}

func (c *client) Type(ctx context.Context, el driver.Element, text string) error {
	return c.do(ctx, http.MethodPost, c.sessionPath("/type"),
		map[string]any{"element_id": el.ID, "text": text}, nil)
}

func (c *client) Screenshot(ctx context.Context, el driver.Element) ([]byte, error) {
	u := c.base + c.sessionPath("/screenshot") + "?element_id=" + url.QueryEscape(el.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &driver.FatalError{Err: err}
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}

func (c *client) IsMarkerPresent(ctx context.Context, marker driver.Locator, timeout time.Duration) (bool, error) {
	var resp struct {
		Present bool `json:"present"`
	}
	body := map[string]any{"locator": wireLocator{By: marker.By, Value: marker.Value}, "timeout_ms": timeout.Milliseconds()}
	ctx, cancel := context.WithTimeout(ctx, timeout+c.timeout)
	defer cancel()
	if err := c.do(ctx, http.MethodPost, c.sessionPath("/marker"), body, &resp); err != nil {
		return false, err
	}
	return resp.Present, nil
}

func (c *client) Close(ctx context.Context) error {
	if c.session == "" {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(c.session), nil, nil)
	c.session = ""
	if err != nil && !driver.IsFatal(err) {
		return err
	}
	// A fatal error on close means the sidecar is already gone; the
	// session is dead either way.
	return nil
}

func (c *client) sessionPath(suffix string) string {
	return "/sessions/" + url.PathEscape(c.session) + suffix
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Connection-level failures mean the sidecar (and with it the
		// browser) is unreachable.
		return &driver.FatalError{Err: err}
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}

func (c *client) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return driver.ErrNotFound
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		return driver.ErrNotFound
	case resp.StatusCode >= 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &driver.FatalError{Err: fmt.Errorf("sidecar http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))}
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sidecar rejected request: http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
