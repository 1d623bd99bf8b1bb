package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"schemealert/internal/config"
	"schemealert/internal/types"
)

// HTTPGateway implements types.ChannelGateway against the delivery provider's
// HTTP send APIs. Each channel gets its own endpoint and its own circuit
// breaker so a chat provider outage never blocks text sends.
//
// Error classification drives queue behavior: delivery_permanent dead-letters
// the message immediately, everything else is retried on the queue's backoff
// schedule.
type HTTPGateway struct {
	channels map[types.Channel]*channelEndpoint
	apiKey   string
	logger   types.Logger
}

type channelEndpoint struct {
	base *BaseClient
	url  string
}

// NewHTTPGateway creates an HTTPGateway from the gateway configuration. A
// channel with an empty URL is left unconfigured; sends over it fail
// permanently rather than piling up retries that can never succeed.
func NewHTTPGateway(cfg config.GatewayConfig, logger types.Logger, opts ...BaseClientOption) *HTTPGateway {
	httpClient := &http.Client{Timeout: cfg.Timeout}

	channels := make(map[types.Channel]*channelEndpoint, 2)
	for ch, url := range map[types.Channel]string{
		types.ChannelChat: cfg.ChatURL,
		types.ChannelText: cfg.TextURL,
	} {
		if url == "" {
			continue
		}
		channels[ch] = &channelEndpoint{
			base: NewBaseClient(
				httpClient,
				"gateway-"+string(ch),
				DefaultRetryPolicy(),
				cfg.UserAgent,
				opts...,
			),
			url: strings.TrimSuffix(url, "/"),
		}
	}

	return &HTTPGateway{
		channels: channels,
		apiKey:   cfg.APIKey,
		logger:   logger.With("component", "gateway"),
	}
}

// sendResponse is the provider's JSON answer to an accepted send.
type sendResponse struct {
	DeliveryID string `json:"delivery_id"`
}

// providerError is the provider's JSON error body. Best effort; a plain-text
// body is carried verbatim.
type providerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send posts one rendered payload to the channel's endpoint and returns the
// provider delivery id.
//
// Error mapping:
//   - unconfigured channel -> delivery_permanent
//   - 4xx other than 429 -> delivery_permanent (bad recipient, bad payload)
//   - 429/5xx/network -> BaseClient (retry, then upstream_* which the queue
//     treats as transient)
func (g *HTTPGateway) Send(ctx context.Context, channel types.Channel, payload []byte) (*types.SendResult, error) {
	ep, ok := g.channels[channel]
	if !ok {
		return nil, types.NewAppError(
			types.ErrCodeDeliveryPermanent,
			fmt.Sprintf("no gateway endpoint configured for channel %q", channel),
			nil,
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.url, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to create gateway send request",
			err,
		)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := ep.base.Do(req)
	if err != nil {
		// Already an AppError from BaseClient with an upstream code the
		// queue classifies as transient.
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return g.parseAccepted(resp, channel)
	}

	return nil, g.handleErrorResponse(resp, channel)
}

// parseAccepted reads the provider's success body. A 2xx with an unreadable
// body is treated as transient: the send may or may not have landed, and the
// delivery status feed will settle it either way.
func (g *HTTPGateway) parseAccepted(resp *http.Response, channel types.Channel) (*types.SendResult, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewAppError(
			types.ErrCodeDeliveryTransient,
			fmt.Sprintf("provider accepted %s send but response body was unreadable", channel),
			err,
		)
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil || sr.DeliveryID == "" {
		return nil, types.NewAppError(
			types.ErrCodeDeliveryTransient,
			fmt.Sprintf("provider accepted %s send without a delivery id", channel),
			err,
		)
	}

	return &types.SendResult{DeliveryID: sr.DeliveryID}, nil
}

// handleErrorResponse maps a non-2xx provider response to a delivery error.
// BaseClient already retried 429/5xx, so anything reaching here is a 3xx/4xx
// the provider answered directly.
func (g *HTTPGateway) handleErrorResponse(resp *http.Response, channel types.Channel) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		body = nil
	}

	var pe providerError
	errMsg := ""
	if jsonErr := json.Unmarshal(body, &pe); jsonErr == nil && pe.Message != "" {
		errMsg = pe.Message
	} else {
		errMsg = string(body)
	}

	g.logger.Warn("provider rejected send",
		"channel", channel,
		"status", resp.StatusCode,
		"provider_code", pe.Code,
	)

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeDeliveryPermanent,
			fmt.Sprintf("provider rejected %s send (%d): %s", channel, resp.StatusCode, errMsg),
			nil,
			map[string]any{"status": resp.StatusCode, "provider_code": pe.Code},
		)
	}

	// Unexpected 3xx or anything else: retryable.
	return types.NewAppError(
		types.ErrCodeDeliveryTransient,
		fmt.Sprintf("provider returned unexpected status %d for %s send", resp.StatusCode, channel),
		nil,
	)
}

// Compile-time assertion that HTTPGateway satisfies types.ChannelGateway.
var _ types.ChannelGateway = (*HTTPGateway)(nil)
