package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "AGENTMQ_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults without consulting the environment.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := decodeYAML(data, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overlays AGENTMQ_* variables onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return strings.TrimSpace(v), true
	}
	var errs []error

	if v, ok := env("ENDPOINTS"); ok {
		eps, err := ParseEndpoints(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sENDPOINTS: %w", EnvPrefix, err))
		} else {
			cfg.Broker.Endpoints = eps
		}
	}
	setString(env, "VHOST", &cfg.Broker.VHost)
	setString(env, "CONNECTION_NAME", &cfg.Broker.ConnectionName)
	setString(env, "USER", &cfg.Broker.Username)
	setString(env, "PASSWORD", &cfg.Broker.Password)
	errs = append(errs, setBool(env, "TLS_ENABLED", &cfg.Broker.TLS.Enabled))
	if v, ok := env("TLS_CIPHER_SUITES"); ok {
		cfg.Broker.TLS.CipherSuites = splitList(v)
	}
	setString(env, "TLS_KEY_REPOSITORY", &cfg.Broker.TLS.KeyRepository)
	setString(env, "TLS_SERVER_NAME", &cfg.Broker.TLS.ServerName)

	setString(env, "OUTBOUND_QUEUE", &cfg.Outbound.RequestQueue)
	setString(env, "REPLY_QUEUE_PREFIX", &cfg.Outbound.ReplyQueuePrefix)
	errs = append(errs, setDuration(env, "REPLY_TIMEOUT", &cfg.Outbound.ReplyTimeout))
	errs = append(errs, setDuration(env, "POLL_INTERVAL", &cfg.Outbound.PollInterval))
	errs = append(errs, setDuration(env, "CONFIRM_TIMEOUT", &cfg.Outbound.ConfirmTimeout))

	setString(env, "INBOUND_QUEUE", &cfg.Inbound.RequestQueue)
	setString(env, "BACKOUT_QUEUE", &cfg.Inbound.BackoutQueue)
	errs = append(errs, setInt(env, "BACKOUT_THRESHOLD", &cfg.Inbound.BackoutThreshold))
	errs = append(errs, setDuration(env, "INBOUND_WAIT", &cfg.Inbound.ReceiveWait))
	if v, ok := env("REDELIVERY_MODE"); ok {
		cfg.Inbound.RedeliveryMode = RedeliveryMode(v)
	}
	if v, ok := env("QUEUE_TYPE"); ok {
		cfg.Inbound.QueueType = QueueType(v)
	}
	setString(env, "REPLY_KEY", &cfg.Inbound.ReplyKey)

	setString(env, "STATE_EXCHANGE", &cfg.State.Exchange)
	setString(env, "AGENT_NAME", &cfg.State.AgentName)
	setString(env, "AGENT_DESCRIPTION", &cfg.State.AgentDescription)
	errs = append(errs, setDuration(env, "STATE_WAIT", &cfg.State.ReceiveWait))
	setString(env, "SUBSCRIPTION", &cfg.State.Subscription)
	errs = append(errs, setBool(env, "SUBSCRIPTION_DURABLE", &cfg.State.Durable))

	setString(env, "MANAGEMENT_URL", &cfg.Management.URL)
	if v, ok := env("METRICS_ADDR"); ok {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = v
	}
	errs = append(errs, setBool(env, "TRACING_ENABLED", &cfg.Tracing.Enabled))

	return errors.Join(errs...)
}

// Flag names registered by RegisterFlags.
const (
	FlagEndpoints        = "endpoints"
	FlagVHost            = "vhost"
	FlagUser             = "user"
	FlagPassword         = "password"
	FlagRequestQueue     = "request-queue"
	FlagBackoutQueue     = "backout-queue"
	FlagBackoutThreshold = "backout-threshold"
	FlagReplyTimeout     = "reply-timeout"
	FlagStateExchange    = "state-exchange"
	FlagAgentName        = "agent-name"
	FlagMetricsAddr      = "metrics-addr"
)

// RegisterFlags adds the override flags to fs. Only flags the user actually
// set are applied by ApplyFlags.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String(FlagEndpoints, d.Broker.ConnectionString(), "broker endpoints, host:port or host(port), comma separated")
	fs.String(FlagVHost, d.Broker.VHost, "broker virtual host")
	fs.String(FlagUser, d.Broker.Username, "broker user")
	fs.String(FlagPassword, "", "broker password")
	fs.String(FlagRequestQueue, d.Inbound.RequestQueue, "shared request queue (both sides)")
	fs.String(FlagBackoutQueue, d.Inbound.BackoutQueue, "quarantine queue for poison requests")
	fs.Int(FlagBackoutThreshold, d.Inbound.BackoutThreshold, "failed deliveries before a request is quarantined")
	fs.Duration(FlagReplyTimeout, d.Outbound.ReplyTimeout, "how long a request waits for its reply")
	fs.String(FlagStateExchange, d.State.Exchange, "exchange carrying state updates")
	fs.String(FlagAgentName, d.State.AgentName, "agent name used for subscriptions")
	fs.String(FlagMetricsAddr, "", "serve Prometheus metrics on this address")
}

// ApplyFlags overlays the flags that were set on the command line.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var errs []error
	changed := func(name string) bool {
		f := fs.Lookup(name)
		return f != nil && f.Changed
	}

	if changed(FlagEndpoints) {
		v, _ := fs.GetString(FlagEndpoints)
		eps, err := ParseEndpoints(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", FlagEndpoints, err))
		} else {
			cfg.Broker.Endpoints = eps
		}
	}
	if changed(FlagVHost) {
		cfg.Broker.VHost, _ = fs.GetString(FlagVHost)
	}
	if changed(FlagUser) {
		cfg.Broker.Username, _ = fs.GetString(FlagUser)
	}
	if changed(FlagPassword) {
		cfg.Broker.Password, _ = fs.GetString(FlagPassword)
	}
	if changed(FlagRequestQueue) {
		q, _ := fs.GetString(FlagRequestQueue)
		cfg.Outbound.RequestQueue = q
		cfg.Inbound.RequestQueue = q
	}
	if changed(FlagBackoutQueue) {
		cfg.Inbound.BackoutQueue, _ = fs.GetString(FlagBackoutQueue)
	}
	if changed(FlagBackoutThreshold) {
		cfg.Inbound.BackoutThreshold, _ = fs.GetInt(FlagBackoutThreshold)
	}
	if changed(FlagReplyTimeout) {
		cfg.Outbound.ReplyTimeout, _ = fs.GetDuration(FlagReplyTimeout)
	}
	if changed(FlagStateExchange) {
		cfg.State.Exchange, _ = fs.GetString(FlagStateExchange)
	}
	if changed(FlagAgentName) {
		cfg.State.AgentName, _ = fs.GetString(FlagAgentName)
	}
	if changed(FlagMetricsAddr) {
		cfg.Metrics.Address, _ = fs.GetString(FlagMetricsAddr)
		cfg.Metrics.Enabled = cfg.Metrics.Address != ""
	}

	return errors.Join(errs...)
}

type envFunc func(name string) (string, bool)

func setString(env envFunc, name string, dst *string) {
	if v, ok := env(name); ok {
		*dst = v
	}
}

func setBool(env envFunc, name string, dst *bool) error {
	v, ok := env(name)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = b
	return nil
}

func setInt(env envFunc, name string, dst *int) error {
	v, ok := env(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = n
	return nil
}

// setDuration accepts Go durations ("5s") and bare milliseconds ("5000").
func setDuration(env envFunc, name string, dst *time.Duration) error {
	v, ok := env(name)
	if !ok {
		return nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
