// Package monitor reads broker state through the RabbitMQ management HTTP
// API: which queues exist, how deep they are, and what sits in them.
package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/glimte/agentmq/config"
	"github.com/glimte/agentmq/internal/jsoncodec"
	"github.com/glimte/agentmq/internal/rabbitmq"
)

// ErrQueueNotFound is returned by GetQueue for a queue the broker does not have.
var ErrQueueNotFound = errors.New("monitor: queue not found")

// APIError is a non-2xx answer from the management API.
type APIError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Status     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management API error: %s %s: %s", e.Method, e.Endpoint, e.Status)
}

// QueueInfo contains queue statistics
type QueueInfo struct {
	Name        string
	VHost       string
	Messages    int
	Ready       int
	Unacked     int
	Consumers   int
	MessageRate float64
	State       string
	Durable     bool
	AutoDelete  bool
	Exclusive   bool
	Type        string
}

// MessageInfo is a message peeked from a queue.
type MessageInfo struct {
	MessageID       string
	CorrelationID   string
	Type            string
	RoutingKey      string
	Exchange        string
	Redelivered     bool
	RedeliveryCount int
	OriginalQueue   string
	LastError       string
	Headers         map[string]any
	Body            string
}

// Overview is the broker summary from /api/overview.
type Overview struct {
	ClusterName     string
	RabbitMQVersion string
	ErlangVersion   string
	Messages        int
	MessagesReady   int
	MessagesUnacked int
	Queues          int
	Connections     int
	Consumers       int
}

// Client talks to the management API.
type Client struct {
	baseURL    string
	vhost      string
	username   string
	password   string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithVHost scopes queue calls to a virtual host. The default is "/".
func WithVHost(vhost string) ClientOption {
	return func(c *Client) { c.vhost = vhost }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for the API rooted at baseURL, for example
// http://localhost:15672/api.
func NewClient(baseURL, username, password string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		vhost:      "/",
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromConfig uses the management URL, credentials and vhost of cfg.
func NewClientFromConfig(cfg config.Config, opts ...ClientOption) *Client {
	vhost := cfg.Broker.VHost
	if vhost == "" {
		vhost = "/"
	}
	opts = append([]ClientOption{WithVHost(vhost)}, opts...)
	return NewClient(cfg.ManagementURL(), cfg.Broker.Username, cfg.Broker.Password, opts...)
}

type apiQueue struct {
	Name                   string `json:"name"`
	VHost                  string `json:"vhost"`
	Messages               int    `json:"messages"`
	MessagesReady          int    `json:"messages_ready"`
	MessagesUnacknowledged int    `json:"messages_unacknowledged"`
	Consumers              int    `json:"consumers"`
	State                  string `json:"state"`
	Durable                bool   `json:"durable"`
	AutoDelete             bool   `json:"auto_delete"`
	Exclusive              bool   `json:"exclusive"`
	Type                   string `json:"type"`
	MessageStats           struct {
		PublishDetails struct {
			Rate float64 `json:"rate"`
		} `json:"publish_details"`
	} `json:"message_stats"`
}

func (q apiQueue) info() QueueInfo {
	return QueueInfo{
		Name:        q.Name,
		VHost:       q.VHost,
		Messages:    q.Messages,
		Ready:       q.MessagesReady,
		Unacked:     q.MessagesUnacknowledged,
		Consumers:   q.Consumers,
		MessageRate: q.MessageStats.PublishDetails.Rate,
		State:       q.State,
		Durable:     q.Durable,
		AutoDelete:  q.AutoDelete,
		Exclusive:   q.Exclusive,
		Type:        q.Type,
	}
}

// ListQueues returns every queue in the vhost, sorted by name.
func (c *Client) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	var raw []apiQueue
	if err := c.getJSON(ctx, "/queues/"+url.PathEscape(c.vhost), &raw); err != nil {
		return nil, err
	}

	queues := make([]QueueInfo, 0, len(raw))
	for _, q := range raw {
		queues = append(queues, q.info())
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

// ListQueuesWithPrefix returns the queues whose name starts with prefix.
func (c *Client) ListQueuesWithPrefix(ctx context.Context, prefix string) ([]QueueInfo, error) {
	all, err := c.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	var out []QueueInfo
	for _, q := range all {
		if strings.HasPrefix(q.Name, prefix) {
			out = append(out, q)
		}
	}
	return out, nil
}

// GetQueue returns one queue, or ErrQueueNotFound.
func (c *Client) GetQueue(ctx context.Context, name string) (QueueInfo, error) {
	var raw apiQueue
	err := c.getJSON(ctx, c.queuePath(name), &raw)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return QueueInfo{}, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	if err != nil {
		return QueueInfo{}, err
	}
	return raw.info(), nil
}

// QueueExists reports whether the broker has a queue called name.
func (c *Client) QueueExists(ctx context.Context, name string) (bool, error) {
	_, err := c.GetQueue(ctx, name)
	switch {
	case errors.Is(err, ErrQueueNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

// PeekMessages fetches up to count messages from a queue and requeues them.
// It is meant for looking at the backout queue; the requeue marks the
// messages redelivered.
func (c *Client) PeekMessages(ctx context.Context, queue string, count int) ([]MessageInfo, error) {
	if count <= 0 {
		count = 10
	}
	req, err := jsoncodec.Marshal(map[string]any{
		"count":    count,
		"ackmode":  "ack_requeue_true",
		"encoding": "auto",
		"truncate": 50000,
	})
	if err != nil {
		return nil, err
	}

	var raw []struct {
		Exchange    string `json:"exchange"`
		RoutingKey  string `json:"routing_key"`
		Redelivered bool   `json:"redelivered"`
		Payload     string `json:"payload"`
		Properties  struct {
			MessageID     string         `json:"message_id"`
			CorrelationID string         `json:"correlation_id"`
			Type          string         `json:"type"`
			Headers       map[string]any `json:"headers"`
		} `json:"properties"`
	}
	if err := c.do(ctx, http.MethodPost, c.queuePath(queue)+"/get", req, &raw); err != nil {
		return nil, err
	}

	out := make([]MessageInfo, 0, len(raw))
	for _, m := range raw {
		headers := m.Properties.Headers
		out = append(out, MessageInfo{
			MessageID:       m.Properties.MessageID,
			CorrelationID:   m.Properties.CorrelationID,
			Type:            m.Properties.Type,
			RoutingKey:      m.RoutingKey,
			Exchange:        m.Exchange,
			Redelivered:     m.Redelivered,
			RedeliveryCount: headerInt(headers, rabbitmq.HeaderRedeliveryCount),
			OriginalQueue:   headerString(headers, rabbitmq.HeaderOriginalQueue),
			LastError:       headerString(headers, rabbitmq.HeaderLastError),
			Headers:         headers,
			Body:            m.Payload,
		})
	}
	return out, nil
}

// Overview returns the broker summary.
func (c *Client) Overview(ctx context.Context) (Overview, error) {
	var raw struct {
		ClusterName     string `json:"cluster_name"`
		RabbitMQVersion string `json:"rabbitmq_version"`
		ErlangVersion   string `json:"erlang_version"`
		QueueTotals     struct {
			Messages        int `json:"messages"`
			MessagesReady   int `json:"messages_ready"`
			MessagesUnacked int `json:"messages_unacknowledged"`
		} `json:"queue_totals"`
		ObjectTotals struct {
			Queues      int `json:"queues"`
			Connections int `json:"connections"`
			Consumers   int `json:"consumers"`
		} `json:"object_totals"`
	}
	if err := c.getJSON(ctx, "/overview", &raw); err != nil {
		return Overview{}, err
	}
	return Overview{
		ClusterName:     raw.ClusterName,
		RabbitMQVersion: raw.RabbitMQVersion,
		ErlangVersion:   raw.ErlangVersion,
		Messages:        raw.QueueTotals.Messages,
		MessagesReady:   raw.QueueTotals.MessagesReady,
		MessagesUnacked: raw.QueueTotals.MessagesUnacked,
		Queues:          raw.ObjectTotals.Queues,
		Connections:     raw.ObjectTotals.Connections,
		Consumers:       raw.ObjectTotals.Consumers,
	}, nil
}

func (c *Client) queuePath(name string) string {
	return "/queues/" + url.PathEscape(c.vhost) + "/" + url.PathEscape(name)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, v any) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, v)
}

// do makes an authenticated request and decodes the JSON answer into v.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, v any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("management API %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("management API call",
		"method", method,
		"endpoint", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &APIError{Method: method, Endpoint: endpoint, StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("management API %s %s: read body: %w", method, endpoint, err)
	}
	if err := jsoncodec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("management API %s %s: decode response: %w", method, endpoint, err)
	}
	return nil
}

func headerString(headers map[string]any, key string) string {
	s, _ := headers[key].(string)
	return s
}

// headerInt reads a number decoded from JSON.
func headerInt(headers map[string]any, key string) int {
	switch v := headers[key].(type) {
	case float64:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
