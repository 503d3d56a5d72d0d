package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	http "github.com/bogdanfinn/fhttp"
	"github.com/rs/zerolog"

	"github.com/yourneighborhoodchef/salvo/internal/headers"
)

var ErrMalformedResponse = errors.New("malformed response")

// Endpoints are paths relative to the session base URL.
type Endpoints struct {
	List   string
	Redeem string
}

var DefaultEndpoints = Endpoints{
	List:   "/api/integral/seckill/ns/getSeckillGoods",
	Redeem: "/api/integral/seckill/exchangeSeckillGoods",
}

type SessionOptions struct {
	BaseURL   string
	Endpoints Endpoints
	Headers   *headers.Generator
	Logger    zerolog.Logger
	// Source is echoed in every redeem payload.
	Source int
	// MaxBody caps how much of a response is read.
	MaxBody int64
}

// Session is the authenticated request context shared by the probe and the
// pool. It is safe for concurrent use as long as its Doer is.
type Session struct {
	base      *url.URL
	doer      Doer
	endpoints Endpoints
	headers   *headers.Generator
	logger    zerolog.Logger
	source    int
	maxBody   int64
}

func NewSession(doer Doer, opts SessionOptions) (*Session, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}

	eps := opts.Endpoints
	if eps.List == "" {
		eps.List = DefaultEndpoints.List
	}
	if eps.Redeem == "" {
		eps.Redeem = DefaultEndpoints.Redeem
	}

	gen := opts.Headers
	if gen == nil {
		gen = headers.NewGenerator(base.Scheme+"://"+base.Host, "")
	}

	maxBody := opts.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	return &Session{
		base:      base,
		doer:      doer,
		endpoints: eps,
		headers:   gen,
		logger:    opts.Logger,
		source:    opts.Source,
		maxBody:   maxBody,
	}, nil
}

// Rotator is implemented by doers that can move off a failing proxy.
type Rotator interface {
	Rotate() error
}

// Recover is called after a transport failure. It swaps the header profile
// and, if the doer is a Rotator, the proxy. ErrProxyBlocked means there is
// no proxy left to move to.
func (s *Session) Recover() error {
	s.headers.Rotate()
	if r, ok := s.doer.(Rotator); ok {
		return r.Rotate()
	}
	return nil
}

func (s *Session) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return strings.TrimRight(s.base.String(), "/") + path
	}
	return s.base.ResolveReference(ref).String()
}

// postJSON sends payload and returns the HTTP status and body. Only
// failures to complete the round trip are returned as errors, wrapped in
// ErrTransport.
func (s *Session) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.resolve(path), bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header = s.headers.JSON()

	resp, err := s.doer.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, s.maxBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		s.logger.Debug().
			Int("status", resp.StatusCode).
			Str("path", path).
			Str("body", sample(raw)).
			Msg("unexpected status code")
	}

	return resp.StatusCode, raw, nil
}

func sample(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
