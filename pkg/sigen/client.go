package sigen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sigentools/sigen-go/pkg/common"
	"github.com/sigentools/sigen-go/pkg/log"
)

// Client is a client for one Sigenergy account in one region. It owns its
// session; multiple Clients are fully isolated from each other.
type Client struct {
	httpClient *http.Client
	baseURL    string
	region     Region
	username   string
	password   string // raw, kept for the northbound login only
	ts         *tokenSource

	// Populated by Initialize, read-only afterwards except via the explicit
	// re-fetch methods which replace them wholesale.
	mu          sync.Mutex
	station     *StationInfo
	modes       []OperationalMode
	modeTable   map[string]modeBinding
	loadIDs     map[int]int
	initialized bool
}

// Option configures a Client at construction.
type Option func(*Client) error

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive")
		}
		c.httpClient = common.HTTPClient(d)
		return nil
	}
}

// WithBaseURL overrides the regional base URL. Intended for tests against a
// stub server.
func WithBaseURL(u string) Option {
	return func(c *Client) error {
		if u == "" {
			return fmt.Errorf("empty base URL")
		}
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		c.baseURL = u
		return nil
	}
}

// NewClient validates the credentials shape and region and returns an
// unauthenticated client. No network activity happens until Initialize.
func NewClient(username, password string, region Region, opts ...Option) (*Client, error) {
	base, ok := regionBaseURLs[region]
	if !ok {
		tags := make([]string, 0, len(regionBaseURLs))
		for _, r := range Regions() {
			tags = append(tags, string(r))
		}
		return nil, &ConfigError{Msg: fmt.Sprintf("unsupported region %q, supported regions: %s",
			region, strings.Join(tags, ", "))}
	}
	if username == "" {
		return nil, &ConfigError{Msg: "missing username"}
	}
	if password == "" {
		return nil, &ConfigError{Msg: "missing password"}
	}

	encrypted, err := encryptPassword(password)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("encrypting password: %v", err)}
	}

	c := &Client{
		httpClient: common.HTTPClient(time.Minute),
		baseURL:    base,
		region:     region,
		username:   username,
		password:   password,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, &ConfigError{Msg: fmt.Sprintf("invalid option: %v", err)}
		}
	}

	c.ts = &tokenSource{
		client:            c.httpClient,
		baseURL:           c.baseURL,
		username:          username,
		encryptedPassword: encrypted,
	}
	return c, nil
}

// Region returns the region the client was constructed for.
func (c *Client) Region() Region {
	return c.region
}

// TokenSource exposes the client's session as an oauth2.TokenSource, for
// callers that drive their own requests against the same session. The
// returned source shares the client's refresh mutex.
func (c *Client) TokenSource() oauth2.TokenSource {
	return c.ts
}

// Initialize performs the one-time setup: login, station lookup, mode
// discovery and the smart-load id map. It must be called once before any
// other operation and fails fast if login or discovery fails.
func (c *Client) Initialize(ctx context.Context) error {
	if _, err := c.ts.TokenContext(ctx); err != nil {
		return err
	}

	if err := c.FetchStationInfo(ctx); err != nil {
		return &InitError{Msg: "station lookup", Err: err}
	}
	if err := c.discoverModes(ctx); err != nil {
		return err
	}
	// Smart-load id resolution tolerates per-load failures; accounts without
	// smart loads initialize fine.
	c.buildLoadIDMap(ctx)

	c.mu.Lock()
	c.initialized = true
	modeCount := len(c.modes)
	loadCount := len(c.loadIDs)
	c.mu.Unlock()

	log.Ctx(ctx).DebugContext(ctx, "sigen client initialized",
		slog.Int64("stationID", c.stationID()),
		slog.Int("modes", modeCount),
		slog.Int("smartLoads", loadCount),
	)
	return nil
}

func (c *Client) stationID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.station == nil {
		return 0
	}
	return c.station.StationID
}

// apiResponse is the envelope every endpoint wraps its payload in.
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) newGetRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
}

func (c *Client) newJSONRequest(ctx context.Context, method, endpoint string, data interface{}) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newPatchQueryRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}

	u.RawQuery = params.Encode()
	return http.NewRequestWithContext(ctx, http.MethodPatch, u.String(), nil)
}

// doRequest issues one authenticated request and decodes the envelope into
// dest. A 401 (HTTP status or envelope code) invalidates the session and the
// request is retried exactly once after a refresh; a second auth failure
// surfaces as-is.
func (c *Client) doRequest(req *http.Request, dest interface{}) error {
	raw, err := c.doRequestRaw(req)
	if err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	if raw == nil {
		return &FormatError{Msg: "envelope missing data"}
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return &FormatError{Msg: "decoding result", Err: err}
	}
	return nil
}

func (c *Client) doRequestRaw(req *http.Request) (json.RawMessage, error) {
	ctx := req.Context()

	for attempt := 0; ; attempt++ {
		tok, err := c.ts.TokenContext(ctx)
		if err != nil {
			return nil, err
		}
		tok.SetAuthHeader(req)

		if attempt > 0 && req.GetBody != nil {
			if req.Body, err = req.GetBody(); err != nil {
				return nil, err
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &NetworkError{Err: err}
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &NetworkError{Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			log.Ctx(ctx).DebugContext(ctx, "sigen token rejected, refreshing", slog.String("url", req.URL.Path))
			c.ts.invalidate()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &APIError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}

		var env apiResponse
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, &FormatError{Msg: "decoding envelope", Err: err}
		}
		if env.Code != 0 {
			if env.Code == 401 && attempt == 0 {
				log.Ctx(ctx).DebugContext(ctx, "sigen token rejected, refreshing",
					slog.String("url", req.URL.Path), slog.String("msg", env.Msg))
				c.ts.invalidate()
				continue
			}
			return nil, &APIError{Code: env.Code, Message: env.Msg, Body: strings.TrimSpace(string(body))}
		}

		log.Ctx(ctx).DebugContext(ctx, "sigen request succeeded", slog.String("url", req.URL.Path))
		return env.Data, nil
	}
}
