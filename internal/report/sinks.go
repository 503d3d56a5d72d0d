package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/yourneighborhoodchef/salvo/internal/acquire"
	"github.com/yourneighborhoodchef/salvo/internal/client"
)

// summarySink is the shared no-op half of the remote sinks: they only care
// about the final summary.
type summarySink struct{}

func (summarySink) Attempt(acquire.Attempt) {}
func (summarySink) Progress(string)         {}

// WebhookReporter posts {"title","content"} to a custom endpoint.
type WebhookReporter struct {
	summarySink
	url  string
	doer client.Doer
}

func NewWebhookReporter(url string, doer client.Doer) *WebhookReporter {
	return &WebhookReporter{url: url, doer: doer}
}

type webhookBody struct {
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Summary Summary `json:"summary"`
}

func (w *WebhookReporter) Finish(ctx context.Context, s Summary) error {
	body, err := json.Marshal(webhookBody{Title: s.Title(), Content: s.Text(), Summary: s})
	if err != nil {
		return fmt.Errorf("encode webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.doer.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Publisher is the subset of *nats.Conn used here.
type Publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
}

// NATSReporter publishes the summary as JSON on a subject.
type NATSReporter struct {
	summarySink
	conn    Publisher
	subject string
	closer  func()
}

func NewNATSReporter(conn Publisher, subject string) *NATSReporter {
	return &NATSReporter{conn: conn, subject: subject}
}

// DialNATS connects and returns a reporter that owns the connection.
func DialNATS(url, subject string) (*NATSReporter, error) {
	nc, err := nats.Connect(url, nats.Name("salvo"), nats.Timeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	r := NewNATSReporter(nc, subject)
	r.closer = nc.Close
	return r, nil
}

func (n *NATSReporter) Finish(ctx context.Context, s Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := n.conn.FlushTimeout(timeout); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

func (n *NATSReporter) Close() {
	if n.closer != nil {
		n.closer()
	}
}

// RedisPublisher is the subset of *redis.Client used here.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisReporter publishes the summary as JSON on a pub/sub channel.
type RedisReporter struct {
	summarySink
	rdb     RedisPublisher
	channel string
	closer  func() error
}

func NewRedisReporter(rdb RedisPublisher, channel string) *RedisReporter {
	return &RedisReporter{rdb: rdb, channel: channel}
}

// DialRedis builds a client for addr; the connection is lazy.
func DialRedis(addr, password string, db int, channel string) *RedisReporter {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	r := NewRedisReporter(rdb, channel)
	r.closer = rdb.Close
	return r
}

func (r *RedisReporter) Finish(ctx context.Context, s Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", r.channel, err)
	}
	return nil
}

func (r *RedisReporter) Close() error {
	if r.closer != nil {
		return r.closer()
	}
	return nil
}
