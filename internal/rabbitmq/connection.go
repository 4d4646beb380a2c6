package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/agentmq/config"
)

// DialFunc opens one connection to url. The default is amqp.DialConfig.
type DialFunc func(url string, cfg amqp.Config) (Connection, error)

// BrokerDialer opens connections from a config.BrokerConfig, trying each
// endpoint in order until one accepts.
type BrokerDialer struct {
	urls    []string
	amqpCfg amqp.Config
	timeout time.Duration
	dial    DialFunc
	logger  *slog.Logger
}

// DialerOption configures the BrokerDialer
type DialerOption func(*BrokerDialer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) DialerOption {
	return func(d *BrokerDialer) {
		d.logger = logger
	}
}

// WithDialFunc replaces the function used to open a single connection.
func WithDialFunc(fn DialFunc) DialerOption {
	return func(d *BrokerDialer) {
		d.dial = fn
	}
}

// NewDialer builds a dialer. TLS material is loaded here so a bad key
// repository is reported before the first dial.
func NewDialer(cfg config.BrokerConfig, options ...DialerOption) (*BrokerDialer, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	tlsCfg, err := cfg.TLS.Build()
	if err != nil {
		return nil, err
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = config.DefaultDialTimeout
	}

	props := amqp.NewConnectionProperties()
	if cfg.ConnectionName != "" {
		props.SetClientConnectionName(cfg.ConnectionName)
	}

	d := &BrokerDialer{
		urls: cfg.URLs(),
		amqpCfg: amqp.Config{
			SASL:            []amqp.Authentication{&amqp.PlainAuth{Username: cfg.Username, Password: cfg.Password}},
			Vhost:           vhost(cfg.VHost),
			Heartbeat:       cfg.Heartbeat,
			TLSClientConfig: tlsCfg,
			Properties:      props,
			Dial:            amqp.DefaultDial(timeout),
		},
		timeout: timeout,
		dial:    dialAMQP,
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d, nil
}

func vhost(v string) string {
	if v == "" {
		return "/"
	}
	return v
}

func dialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return Wrap(conn), nil
}

// TLS returns the TLS configuration in use, or nil.
func (d *BrokerDialer) TLS() *tls.Config {
	return d.amqpCfg.TLSClientConfig
}

// Dial tries every endpoint in order and returns the first connection that
// opens. When all fail the result is a *ConnectionError carrying every
// endpoint's failure.
func (d *BrokerDialer) Dial(ctx context.Context) (Connection, error) {
	var errs []error
	for i, url := range d.urls {
		conn, err := d.dialOne(ctx, url)
		if err == nil {
			d.logger.Debug("connected to broker",
				"url", SanitizeURL(url),
				"endpoint", i,
			)
			return conn, nil
		}

		d.logger.Warn("broker endpoint unavailable",
			"url", SanitizeURL(url),
			"error", err,
		)
		errs = append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	last := ""
	if len(errs) > 0 {
		last = SanitizeURL(d.urls[len(errs)-1])
	}
	return nil, &ConnectionError{
		Op:        "connect",
		URL:       last,
		Err:       errors.Join(errs...),
		Timestamp: time.Now(),
		Attempts:  len(errs),
	}
}

type dialResult struct {
	conn Connection
	err  error
}

func (d *BrokerDialer) dialOne(ctx context.Context, url string) (Connection, error) {
	connCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		conn, err := d.dial(url, d.amqpCfg)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-connCtx.Done():
		// close a connection that completes after we gave up on it
		go func() {
			if r := <-results; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrConnectionTimeout
	}
}
