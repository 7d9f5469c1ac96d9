// Package professional validates professionals against the professional
// service, either over HTTP or from an in-memory directory.
package professional

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/clinicflow/clinicflow/internal/consul"
	"github.com/clinicflow/clinicflow/internal/types"
)

// Professional is the subset of the professional record the scheduler needs.
type Professional struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	// Valid is false when the professional's registration has lapsed.
	Valid bool `json:"valid"`
}

const dependencyName = "professional-service"

// Client queries GET {base}/professionals/{id}. A 404 means the professional
// does not exist.
type Client struct {
	baseURL func(ctx context.Context) (string, error)
	http    *http.Client
}

// NewClient talks to a fixed base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL: func(context.Context) (string, error) { return base, nil },
		http:    &http.Client{Timeout: timeoutOr(timeout)},
	}
}

// NewDiscoveryClient resolves an instance of serviceName through Consul on every call.
func NewDiscoveryClient(resolver *consul.Resolver, serviceName string, timeout time.Duration) *Client {
	return &Client{
		baseURL: func(ctx context.Context) (string, error) {
			inst, err := resolver.Resolve(ctx, serviceName)
			if err != nil {
				return "", err
			}
			return inst.BaseURL(), nil
		},
		http: &http.Client{Timeout: timeoutOr(timeout)},
	}
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 3 * time.Second
	}
	return d
}

func (c *Client) ProfessionalExists(ctx context.Context, id string) (bool, error) {
	_, found, err := c.lookup(ctx, id)
	return found, err
}

func (c *Client) IsValidAndActiveProfessional(ctx context.Context, id string) (bool, error) {
	p, found, err := c.lookup(ctx, id)
	if err != nil || !found {
		return false, err
	}
	return p.Valid && p.Active, nil
}

func (c *Client) ProfessionalName(ctx context.Context, id string) (string, error) {
	p, found, err := c.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	if !found {
		return "", types.NotFound("professional name", "professional %s not found", id)
	}
	return p.Name, nil
}

func (c *Client) lookup(ctx context.Context, id string) (*Professional, bool, error) {
	const op = "lookup professional"

	base, err := c.baseURL(ctx)
	if err != nil {
		return nil, false, types.DependencyUnavailable(op, dependencyName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/professionals/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, false, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, types.DependencyUnavailable(op, dependencyName, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= 500:
		return nil, false, types.DependencyUnavailable(op, dependencyName, fmt.Errorf("HTTP %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("%s: unexpected HTTP %d", op, resp.StatusCode)
	}

	var p Professional
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, false, fmt.Errorf("%s: decode response: %w", op, err)
	}
	return &p, true, nil
}
