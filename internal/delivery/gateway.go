package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/errs"
)

// GatewaySender posts email to an HTTP email gateway.
type GatewaySender struct {
	client  *http.Client
	url     string
	token   string
	timeout time.Duration
	logger  *zap.Logger
}

type GatewayConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type gatewayRequest struct {
	To        string            `json:"to"`
	Subject   string            `json:"subject"`
	Text      string            `json:"text"`
	Reference string            `json:"reference"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func NewGatewaySender(cfg GatewayConfig, logger *zap.Logger) *GatewaySender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &GatewaySender{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		url:     cfg.URL,
		token:   cfg.Token,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

func (s *GatewaySender) Send(ctx context.Context, msg *Message) error {
	if msg.Channel != ChannelEmail {
		return errs.Permanent("gateway send", fmt.Errorf("gateway sender only supports email, got: %s", msg.Channel))
	}
	if err := ValidateEmail(msg.To); err != nil {
		return err
	}

	body, err := json.Marshal(gatewayRequest{
		To:        msg.To,
		Subject:   msg.Subject,
		Text:      msg.Body,
		Reference: msg.ID,
		Metadata:  map[string]string{"company_id": msg.CompanyID, "link": msg.Link},
	})
	if err != nil {
		return errs.Permanent("gateway send", fmt.Errorf("encode request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errs.Permanent("gateway send", fmt.Errorf("failed to create gateway request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ledgerdesk/1.0")
	req.Header.Set("Idempotency-Key", msg.ID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// timeouts and connection errors are worth another attempt
		return errs.Retryable("gateway send", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return errs.Retryable("gateway send", fmt.Errorf("gateway returned %d: %s", resp.StatusCode, preview))
	default:
		return errs.Permanent("gateway send", fmt.Errorf("gateway rejected message with %d: %s", resp.StatusCode, preview))
	}

	s.logger.Info("email accepted by gateway",
		zap.String("delivery_id", msg.ID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

func (s *GatewaySender) SupportsChannel(channel string) bool {
	return channel == ChannelEmail
}
