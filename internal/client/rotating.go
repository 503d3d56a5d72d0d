package client

import (
	"fmt"
	"sync"

	http "github.com/bogdanfinn/fhttp"
)

// RotatingClient is a Doer that moves to the next proxy when told the
// current one has failed. The session cookies travel with it.
type RotatingClient struct {
	opts  ClientOptions
	build func(ClientOptions) (*ProxiedClient, error)

	mu      sync.RWMutex
	current *ProxiedClient
}

func NewRotatingClient(opts ClientOptions) (*RotatingClient, error) {
	return newRotatingClient(opts, CreateClient)
}

func newRotatingClient(opts ClientOptions, build func(ClientOptions) (*ProxiedClient, error)) (*RotatingClient, error) {
	c, err := build(opts)
	if err != nil {
		return nil, err
	}
	return &RotatingClient{opts: opts, build: build, current: c}, nil
}

func (c *RotatingClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.RLock()
	cur := c.current
	c.mu.RUnlock()
	return cur.Do(req)
}

// ProxyURL is the proxy in use, empty for direct connections.
func (c *RotatingClient) ProxyURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current.ProxyURL
}

// Rotate drops the current proxy and rebuilds on the next one. Direct
// connections have nothing to rotate. When the dropped proxy was the last,
// the current client is kept and ErrProxyBlocked returned.
func (c *RotatingClient) Rotate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := c.current.ProxyURL
	if failed == "" {
		return nil
	}
	if c.opts.Proxies.Remove(failed) == 0 {
		return fmt.Errorf("%w: %s was the last proxy", ErrProxyBlocked, failed)
	}

	opts := c.opts
	if opts.BaseURL != nil && c.current.HttpClient != nil {
		opts.Cookies = c.current.GetCookies(opts.BaseURL)
	}
	next, err := c.build(opts)
	if err != nil {
		return fmt.Errorf("rebuild client: %w", err)
	}
	c.current = next
	return nil
}
