package agent

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourneighborhoodchef/salvo/internal/client"
	"github.com/yourneighborhoodchef/salvo/internal/config"
	"github.com/yourneighborhoodchef/salvo/internal/headers"
	"github.com/yourneighborhoodchef/salvo/internal/report"
)

// NewSession builds the fingerprinted HTTP client and the authenticated
// session from cfg.
func NewSession(cfg *config.Config, logger zerolog.Logger) (*client.Session, error) {
	base, err := url.Parse(cfg.Sale.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	cookies := client.CookiesFromMap(cfg.Cookies())
	if len(cookies) == 0 {
		logger.Warn().Msg("no session cookies configured, redemptions will be anonymous")
	}

	hc, err := client.NewRotatingClient(client.ClientOptions{
		Timeout: cfg.Session.Timeout,
		BaseURL: base,
		Cookies: cookies,
		Proxies: client.NewProxyRotation(cfg.Session.Proxies),
	})
	if err != nil {
		return nil, err
	}
	if proxy := hc.ProxyURL(); proxy != "" {
		logger.Info().Str("proxy", proxy).Int("proxies", len(cfg.Session.Proxies)).Msg("using proxy")
	}

	return client.NewSession(hc, client.SessionOptions{
		BaseURL: cfg.Sale.BaseURL,
		Endpoints: client.Endpoints{
			List:   cfg.Sale.ListPath,
			Redeem: cfg.Sale.RedeemPath,
		},
		Headers: headers.NewGenerator(base.Scheme+"://"+base.Host, cfg.Sale.Referer),
		Logger:  logger,
		Source:  cfg.Sale.Source,
	})
}

// Sinks connects every configured summary sink. A sink that cannot be set
// up is logged and skipped; the returned func closes the rest.
func Sinks(cfg *config.Config, logger zerolog.Logger) ([]report.Reporter, func()) {
	var (
		sinks   []report.Reporter
		closers []func()
	)

	n := cfg.Notify
	if n.WebhookURL != "" {
		hc, err := client.CreateClient(client.ClientOptions{Timeout: 10 * time.Second})
		if err != nil {
			logger.Warn().Err(err).Msg("webhook sink disabled")
		} else {
			sinks = append(sinks, report.NewWebhookReporter(n.WebhookURL, hc))
		}
	}
	if n.NATSURL != "" {
		r, err := report.DialNATS(n.NATSURL, n.NATSSubject)
		if err != nil {
			logger.Warn().Err(err).Msg("nats sink disabled")
		} else {
			sinks = append(sinks, r)
			closers = append(closers, r.Close)
		}
	}
	if n.RedisAddr != "" {
		r := report.DialRedis(n.RedisAddr, n.RedisPassword, n.RedisDB, n.RedisChannel)
		sinks = append(sinks, r)
		closers = append(closers, func() { _ = r.Close() })
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}
