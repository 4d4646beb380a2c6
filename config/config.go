// Package config holds the connection and queue settings shared by every
// agentmq component. A Config is built once (defaults, then a YAML file,
// then AGENTMQ_* environment variables, then command-line flags) and passed
// by value into the constructors that need it.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultReplyTimeout     = 5 * time.Second
	DefaultPollInterval     = 5 * time.Second
	DefaultConfirmTimeout   = 5 * time.Second
	DefaultInboundWait      = 5 * time.Second
	DefaultStateWait        = 30 * time.Second
	DefaultBackoutThreshold = 5
	DefaultDialTimeout      = 30 * time.Second
	DefaultHeartbeat        = 10 * time.Second
	DefaultPort             = 5672
	DefaultTLSPort          = 5671
	DefaultManagementPort   = 15672
)

// RedeliveryMode selects how a failed receive is handed back for another attempt.
type RedeliveryMode string

const (
	// RedeliveryBroker nacks with requeue and relies on the broker's delivery
	// counter. Only quorum queues keep one.
	RedeliveryBroker RedeliveryMode = "broker"
	// RedeliveryRepublish acks and republishes a copy carrying an incremented
	// x-redelivery-count header, inside the same transaction.
	RedeliveryRepublish RedeliveryMode = "republish"
)

// QueueType is the x-queue-type used when declaring the shared request queue.
type QueueType string

const (
	QueueQuorum  QueueType = "quorum"
	QueueClassic QueueType = "classic"
)

// Endpoint is one broker address in the failover list.
type Endpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(%d)", e.Host, e.Port)
}

// BrokerConfig describes how to reach the broker.
type BrokerConfig struct {
	Endpoints      []Endpoint    `yaml:"endpoints"`
	VHost          string        `yaml:"vhost"`
	ConnectionName string        `yaml:"connectionName"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TLS            TLSConfig     `yaml:"tls"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
}

// URLs returns one AMQP URL per endpoint, in failover order. Credentials are
// not part of the URL; the dialer passes them separately.
func (b BrokerConfig) URLs() []string {
	scheme := "amqp"
	if b.TLS.Enabled {
		scheme = "amqps"
	}
	urls := make([]string, 0, len(b.Endpoints))
	path := "/"
	if b.VHost != "" && b.VHost != "/" {
		path += url.PathEscape(b.VHost)
	}
	for _, ep := range b.Endpoints {
		urls = append(urls, scheme+"://"+ep.Address()+path)
	}
	return urls
}

// ConnectionString renders the endpoint list as host(port),host(port).
func (b BrokerConfig) ConnectionString() string {
	parts := make([]string, 0, len(b.Endpoints))
	for _, ep := range b.Endpoints {
		parts = append(parts, ep.String())
	}
	return strings.Join(parts, ",")
}

// AgentInfo describes a remote agent reachable through its request queue.
type AgentInfo struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	RequestQueue string `yaml:"requestQueue"`
}

// Info renders the agent as name(description), the form used when listing
// agents to a caller choosing where to send a request.
func (a AgentInfo) Info() string {
	return fmt.Sprintf("%s(%s)", a.Name, a.Description)
}

// OutboundConfig configures the requester side.
type OutboundConfig struct {
	RequestQueue     string        `yaml:"requestQueue"`
	ReplyQueuePrefix string        `yaml:"replyQueuePrefix"`
	ReplyTimeout     time.Duration `yaml:"replyTimeout"`
	PollInterval     time.Duration `yaml:"pollInterval"`
	// ConfirmTimeout bounds the wait for the broker to confirm a request.
	ConfirmTimeout time.Duration `yaml:"confirmTimeout"`
	Agents         []AgentInfo   `yaml:"agents"`
}

// Agent looks up a known agent by name.
func (o OutboundConfig) Agent(name string) (AgentInfo, bool) {
	for _, a := range o.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentInfo{}, false
}

// InboundConfig configures the responder side.
type InboundConfig struct {
	RequestQueue     string         `yaml:"requestQueue"`
	BackoutQueue     string         `yaml:"backoutQueue"`
	QueueType        QueueType      `yaml:"queueType"`
	BackoutThreshold int            `yaml:"backoutThreshold"`
	ReceiveWait      time.Duration  `yaml:"receiveWait"`
	RedeliveryMode   RedeliveryMode `yaml:"redeliveryMode"`
	Prefetch         int            `yaml:"prefetch"`
	// ReplyKey, when set, wraps every reply as {"<ReplyKey>": reply}.
	ReplyKey string `yaml:"replyKey"`
}

// StateConfig configures state publishing and the background listener.
type StateConfig struct {
	Exchange         string        `yaml:"exchange"`
	ExchangeKind     string        `yaml:"exchangeKind"`
	RoutingKey       string        `yaml:"routingKey"`
	AgentName        string        `yaml:"agentName"`
	AgentDescription string        `yaml:"agentDescription"`
	ReceiveWait      time.Duration `yaml:"receiveWait"`
	Announcement     string        `yaml:"announcement"`
	// Subscription names the listener queue. Empty means <AgentName>_<uuid>.
	Subscription string `yaml:"subscription"`
	// Durable keeps the named subscription queue, and the updates that
	// arrive while no listener runs, across restarts.
	Durable bool `yaml:"durable"`
}

// ManagementConfig points at the broker's management HTTP API.
type ManagementConfig struct {
	URL string `yaml:"url"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig toggles OpenTelemetry spans and header propagation.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config is the complete agentmq configuration.
type Config struct {
	Broker     BrokerConfig     `yaml:"broker"`
	Outbound   OutboundConfig   `yaml:"outbound"`
	Inbound    InboundConfig    `yaml:"inbound"`
	State      StateConfig      `yaml:"state"`
	Management ManagementConfig `yaml:"management"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// Default returns a configuration for a local broker with the standard
// timings: 5s reply timeout and poll interval, 5s responder wait, 30s state
// wait and a backout threshold of 5.
func Default() Config {
	return Config{
		Broker: BrokerConfig{
			Endpoints:      []Endpoint{{Host: "localhost", Port: DefaultPort}},
			VHost:          "/",
			ConnectionName: "agentmq",
			Username:       "guest",
			Password:       "guest",
			DialTimeout:    DefaultDialTimeout,
			Heartbeat:      DefaultHeartbeat,
		},
		Outbound: OutboundConfig{
			RequestQueue:     "agent.requests",
			ReplyQueuePrefix: "agent.reply.",
			ReplyTimeout:     DefaultReplyTimeout,
			PollInterval:     DefaultPollInterval,
			ConfirmTimeout:   DefaultConfirmTimeout,
		},
		Inbound: InboundConfig{
			RequestQueue:     "agent.requests",
			BackoutQueue:     "agent.requests.backout",
			QueueType:        QueueQuorum,
			BackoutThreshold: DefaultBackoutThreshold,
			ReceiveWait:      DefaultInboundWait,
			RedeliveryMode:   RedeliveryBroker,
			Prefetch:         1,
		},
		State: StateConfig{
			Exchange:     "agent.state",
			ExchangeKind: "fanout",
			AgentName:    "agent",
			ReceiveWait:  DefaultStateWait,
			Announcement: "New state available",
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// ManagementURL returns the configured management API base URL, or one
// derived from the first endpoint.
func (c Config) ManagementURL() string {
	if c.Management.URL != "" {
		return strings.TrimRight(c.Management.URL, "/")
	}
	host := "localhost"
	if len(c.Broker.Endpoints) > 0 {
		host = c.Broker.Endpoints[0].Host
	}
	return fmt.Sprintf("http://%s/api", net.JoinHostPort(host, strconv.Itoa(DefaultManagementPort)))
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error

	if len(c.Broker.Endpoints) == 0 {
		errs = append(errs, errors.New("broker: at least one endpoint is required"))
	}
	for i, ep := range c.Broker.Endpoints {
		if ep.Host == "" {
			errs = append(errs, fmt.Errorf("broker: endpoint %d: host is required", i))
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			errs = append(errs, fmt.Errorf("broker: endpoint %d: port %d out of range", i, ep.Port))
		}
	}
	if c.Broker.DialTimeout <= 0 {
		errs = append(errs, errors.New("broker: dialTimeout must be positive"))
	}
	if err := c.Broker.TLS.validate(); err != nil {
		errs = append(errs, fmt.Errorf("broker: tls: %w", err))
	}

	if c.Outbound.RequestQueue == "" {
		errs = append(errs, errors.New("outbound: requestQueue is required"))
	}
	if c.Outbound.ReplyQueuePrefix == "" {
		errs = append(errs, errors.New("outbound: replyQueuePrefix is required"))
	}
	if c.Outbound.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("outbound: replyTimeout must be positive"))
	}
	if c.Outbound.PollInterval <= 0 {
		errs = append(errs, errors.New("outbound: pollInterval must be positive"))
	}
	if c.Outbound.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("outbound: confirmTimeout must be positive"))
	}
	seen := make(map[string]bool, len(c.Outbound.Agents))
	for i, a := range c.Outbound.Agents {
		switch {
		case a.Name == "":
			errs = append(errs, fmt.Errorf("outbound: agent %d: name is required", i))
		case seen[a.Name]:
			errs = append(errs, fmt.Errorf("outbound: agent %q declared twice", a.Name))
		}
		seen[a.Name] = true
		if a.RequestQueue == "" {
			errs = append(errs, fmt.Errorf("outbound: agent %q: requestQueue is required", a.Name))
		}
	}

	if c.Inbound.RequestQueue == "" {
		errs = append(errs, errors.New("inbound: requestQueue is required"))
	}
	if c.Inbound.BackoutQueue == "" {
		errs = append(errs, errors.New("inbound: backoutQueue is required"))
	}
	if c.Inbound.BackoutQueue != "" && c.Inbound.BackoutQueue == c.Inbound.RequestQueue {
		errs = append(errs, errors.New("inbound: backoutQueue must differ from requestQueue"))
	}
	if c.Inbound.BackoutThreshold < 1 {
		errs = append(errs, errors.New("inbound: backoutThreshold must be at least 1"))
	}
	if c.Inbound.ReceiveWait <= 0 {
		errs = append(errs, errors.New("inbound: receiveWait must be positive"))
	}
	switch c.Inbound.RedeliveryMode {
	case RedeliveryBroker, RedeliveryRepublish:
	default:
		errs = append(errs, fmt.Errorf("inbound: unknown redeliveryMode %q", c.Inbound.RedeliveryMode))
	}
	switch c.Inbound.QueueType {
	case QueueQuorum, QueueClassic:
	default:
		errs = append(errs, fmt.Errorf("inbound: unknown queueType %q", c.Inbound.QueueType))
	}
	if c.Inbound.QueueType == QueueClassic && c.Inbound.RedeliveryMode == RedeliveryBroker {
		errs = append(errs, errors.New("inbound: classic queues keep no delivery count, so poison messages would never be quarantined; use redeliveryMode republish"))
	}
	if c.Inbound.Prefetch < 0 {
		errs = append(errs, errors.New("inbound: prefetch must not be negative"))
	}

	if c.State.Exchange == "" {
		errs = append(errs, errors.New("state: exchange is required"))
	}
	switch c.State.ExchangeKind {
	case "fanout", "topic", "direct":
	default:
		errs = append(errs, fmt.Errorf("state: unsupported exchangeKind %q", c.State.ExchangeKind))
	}
	if c.State.AgentName == "" {
		errs = append(errs, errors.New("state: agentName is required"))
	}
	if c.State.Durable && c.State.Subscription == "" {
		errs = append(errs, errors.New("state: a durable subscription needs a subscription name"))
	}
	if c.State.ReceiveWait <= 0 {
		errs = append(errs, errors.New("state: receiveWait must be positive"))
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, errors.New("metrics: address is required when enabled"))
	}

	return errors.Join(errs...)
}

// String renders the configuration with the broker password redacted.
func (c Config) String() string {
	password := ""
	if c.Broker.Password != "" {
		password = "***"
	}
	return fmt.Sprintf(
		"Config{Endpoints:%s VHost:%q ConnectionName:%q User:%q Password:%q TLS:%t "+
			"Outbound:%s Inbound:%s Backout:%s Threshold:%d Mode:%s State:%s/%s Agent:%q}",
		c.Broker.ConnectionString(), c.Broker.VHost, c.Broker.ConnectionName,
		c.Broker.Username, password, c.Broker.TLS.Enabled,
		c.Outbound.RequestQueue, c.Inbound.RequestQueue, c.Inbound.BackoutQueue,
		c.Inbound.BackoutThreshold, c.Inbound.RedeliveryMode,
		c.State.Exchange, c.State.ExchangeKind, c.State.AgentName,
	)
}

// ParseEndpoints parses "host:port,host:port" and the host(port) form.
// A missing port defaults to 5672.
func ParseEndpoints(s string) ([]Endpoint, error) {
	var endpoints []Endpoint
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ep, err := parseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints in %q", s)
	}
	return endpoints, nil
}

func parseEndpoint(raw string) (Endpoint, error) {
	if open := strings.IndexByte(raw, '('); open > 0 && strings.HasSuffix(raw, ")") {
		port, err := strconv.Atoi(raw[open+1 : len(raw)-1])
		if err != nil {
			return Endpoint{}, fmt.Errorf("endpoint %q: invalid port: %w", raw, err)
		}
		return Endpoint{Host: raw[:open], Port: port}, nil
	}
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return Endpoint{Host: raw, Port: DefaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: invalid port: %w", raw, err)
	}
	return Endpoint{Host: host, Port: port}, nil
}
