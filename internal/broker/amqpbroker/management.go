package amqpbroker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ottermq/ottermon/internal/broker"
	"github.com/rs/zerolog/log"
)

// ManagementConfig points at a RabbitMQ-compatible management API.
// OtterMQ serves the same /api/queues resource behind a bearer token.
type ManagementConfig struct {
	BaseURL  string
	Username string
	Password string
	Token    string
	VHost    string
	Timeout  time.Duration
}

// ManagementClient implements broker.Admin over GET {BaseURL}/api/queues.
type ManagementClient struct {
	cfg    ManagementConfig
	client *http.Client
}

func NewManagementClient(cfg ManagementConfig) *ManagementClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ManagementClient{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout: cfg.Timeout,
				}).DialContext,
			},
		},
	}
}

// queueResource covers both RabbitMQ and OtterMQ field names.
type queueResource struct {
	Name                   string `json:"name"`
	VHost                  string `json:"vhost"`
	Messages               int    `json:"messages"`
	MessagesReady          *int   `json:"messages_ready"`
	MessagesUnacked        *int   `json:"messages_unacked"`
	MessagesUnacknowledged *int   `json:"messages_unacknowledged"`
	Consumers              int    `json:"consumers"`
}

func (q queueResource) toInfo() broker.QueueInfo {
	info := broker.QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}
	if q.MessagesReady != nil {
		info.Messages = *q.MessagesReady
	}
	switch {
	case q.MessagesUnacknowledged != nil:
		info.Unacked = *q.MessagesUnacknowledged
	case q.MessagesUnacked != nil:
		info.Unacked = *q.MessagesUnacked
	}
	return info
}

func (m *ManagementClient) ListQueues(ctx context.Context) ([]broker.QueueInfo, error) {
	endpoint := strings.TrimRight(m.cfg.BaseURL, "/") + "/api/queues"
	if m.cfg.VHost != "" {
		endpoint += "/" + url.PathEscape(m.cfg.VHost)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build management request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	switch {
	case m.cfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+m.cfg.Token)
	case m.cfg.Username != "":
		req.SetBasicAuth(m.cfg.Username, m.cfg.Password)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading management response: %v", broker.ErrBrokerUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: management API returned %d", broker.ErrBrokerUnavailable, resp.StatusCode)
	}
	resources, err := decodeQueues(body)
	if err != nil {
		return nil, err
	}
	infos := make([]broker.QueueInfo, 0, len(resources))
	for _, r := range resources {
		infos = append(infos, r.toInfo())
	}
	log.Debug().Int("queues", len(infos)).Msg("Listed queues from management API")
	return infos, nil
}

// decodeQueues accepts a bare array (RabbitMQ) or {"queues": [...]} (OtterMQ).
func decodeQueues(body []byte) ([]queueResource, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []queueResource
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("failed to decode queue list: %w", err)
		}
		return list, nil
	}
	var wrapped struct {
		Queues []queueResource `json:"queues"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to decode queue list: %w", err)
	}
	return wrapped.Queues, nil
}

func (m *ManagementClient) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
