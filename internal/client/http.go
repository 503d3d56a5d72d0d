package client

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	http "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
)

var (
	ErrProxyBlocked = errors.New("proxy blocked")
	ErrTransport    = errors.New("transport error")
)

// Doer is the part of tls_client.HttpClient the session needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProxyRotation hands out proxies round-robin. A nil rotation means direct
// connections.
type ProxyRotation struct {
	mu      sync.Mutex
	list    []string
	counter uint32
}

func NewProxyRotation(proxies []string) *ProxyRotation {
	var list []string
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p != "" {
			list = append(list, p)
		}
	}
	return &ProxyRotation{list: list}
}

func (r *ProxyRotation) Next() string {
	if r == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) == 0 {
		return ""
	}
	idx := atomic.AddUint32(&r.counter, 1)
	return r.list[int(idx-1)%len(r.list)]
}

// Remove drops a proxy and reports how many are left.
func (r *ProxyRotation) Remove(proxyURL string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if proxyURL != "" {
		for i, p := range r.list {
			if p == proxyURL {
				r.list = append(r.list[:i], r.list[i+1:]...)
				break
			}
		}
	}
	return len(r.list)
}

type ProxiedClient struct {
	tls_client.HttpClient
	ProxyURL string
}

// ClientOptions configures CreateClient.
type ClientOptions struct {
	Timeout time.Duration
	BaseURL *url.URL
	Cookies []*http.Cookie
	Proxies *ProxyRotation
}

// CreateClient builds a Chrome-fingerprinted client whose cookie jar is
// seeded with the session cookies for BaseURL.
func CreateClient(opts ClientOptions) (*ProxiedClient, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	jar := tls_client.NewCookieJar()
	if opts.BaseURL != nil && len(opts.Cookies) > 0 {
		jar.SetCookies(opts.BaseURL, opts.Cookies)
	}

	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutMilliseconds(int(timeout.Milliseconds())),
		tls_client.WithClientProfile(profiles.Chrome_120),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(jar),
	}

	proxyURL := opts.Proxies.Next()
	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	c, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("create tls client: %w", err)
	}

	return &ProxiedClient{HttpClient: c, ProxyURL: proxyURL}, nil
}

// ParseCookieHeader turns a browser "name=value; name2=value2" string into
// cookies. Malformed pairs are skipped.
func ParseCookieHeader(raw string) []*http.Cookie {
	var cookies []*http.Cookie
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, value, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: name, Value: strings.TrimSpace(value)})
	}
	return cookies
}

// CookiesFromMap is used for cookies declared in the config file.
func CookiesFromMap(m map[string]string) []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(m))
	for name, value := range m {
		if name == "" {
			continue
		}
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}
	return cookies
}
