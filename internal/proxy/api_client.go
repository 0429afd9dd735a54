package proxy

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
)

// APIConfig points the client at the proxy pool service.
type APIConfig struct {
	BaseURL string
	Secret  string
	Timeout time.Duration
}

// APIClient leases proxies from the pool service over HTTP.
type APIClient struct {
	base   *url.URL
	secret string
	http   *http.Client
}

type apiProxy struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Healthy  bool   `json:"healthy"`
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type fetchResponse struct {
	Status string `json:"status"`
	Data   struct {
		Proxies   []apiProxy `json:"proxies"`
		Timestamp string     `json:"timestamp"`
	} `json:"data"`
}

type releaseResponse struct {
	Status string `json:"status"`
	Data   struct {
		Message string `json:"message"`
	} `json:"data"`
}

// NewAPIClient validates cfg and builds a client. A nil httpClient gets a
// default client honoring cfg.Timeout.
func NewAPIClient(cfg APIConfig, httpClient *http.Client) (*APIClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("proxy api base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse proxy api url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &APIClient{base: base, secret: cfg.Secret, http: httpClient}, nil
}

func (c *APIClient) endpoint(country string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/proxy"
	q := url.Values{}
	q.Set("secret", c.secret)
	if country != "" {
		q.Set("country", country)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch leases one proxy for the given country.
func (c *APIClient) Fetch(ctx context.Context, country string) (Lease, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(country), nil)
	if err != nil {
		return Lease{}, fmt.Errorf("build proxy request: %w", err)
	}
	var body fetchResponse
	if err := c.do(req, &body); err != nil {
		return Lease{}, fmt.Errorf("fetch proxy: %w", err)
	}
	if len(body.Data.Proxies) == 0 || body.Data.Proxies[0].URL == "" {
		return Lease{}, fmt.Errorf("fetch proxy: %w", ErrNoProxies)
	}
	p := body.Data.Proxies[0]
	return Lease{ID: p.ID, URL: p.URL}, nil
}

// Release returns a leased proxy to the pool.
func (c *APIClient) Release(ctx context.Context, leaseID string) error {
	payload, err := json.Marshal(map[string]string{"proxyId": leaseID})
	if err != nil {
		return fmt.Errorf("marshal release: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(""), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build release request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var body releaseResponse
	if err := c.do(req, &body); err != nil {
		return fmt.Errorf("release proxy %s: %w", leaseID, err)
	}
	if body.Data.Message == "" {
		return fmt.Errorf("release proxy %s: empty acknowledgement", leaseID)
	}
	return nil
}

func (c *APIClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call proxy api: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("proxy api status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode proxy api response: %w", err)
	}
	return nil
}
