// Package carrier is the outbound client for the Mobivate bulk SMS API. Every call goes through a
// circuit breaker; carrier rejections surface as relay.UpstreamError and transport failures as
// relay.GatewayError.
package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	"github.com/sony/gobreaker/v2"
)

const (
	// DefaultBaseURL is the production Mobivate endpoint.
	DefaultBaseURL = "https://api.mobivatebulksms.com"
	// DefaultTimeout bounds a single carrier call.
	DefaultTimeout = 30 * time.Second

	sendSinglePath       = "/send/single"
	contentTypeJSON      = "application/json"
	maxResponseBytes     = 1 << 20
	defaultBreakerName   = "mobivate"
	breakerTripThreshold = 5
	breakerInterval      = 60 * time.Second
	breakerOpenTimeout   = 30 * time.Second
	unexpectedPayload    = "unexpected carrier response"
)

// ErrMissingAPIKey is returned by New when no API key is configured.
var ErrMissingAPIKey = errors.New("carrier api key is required")

// Config describes the carrier endpoint.
type Config struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	DefaultRouteID string
	UserAgent      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client. Its Timeout is left as provided.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithBreakerSettings overrides the circuit breaker thresholds.
func WithBreakerSettings(settings gobreaker.Settings) Option {
	return func(client *Client) {
		client.breakerSettings = settings
	}
}

// Client sends single messages to the carrier.
type Client struct {
	baseURL         string
	apiKey          string
	defaultRouteID  string
	userAgent       string
	httpClient      *http.Client
	breakerSettings gobreaker.Settings
	breaker         *gobreaker.CircuitBreaker[relay.CarrierAcceptance]
}

// New validates cfg and returns a Client.
func New(cfg Config, options ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &Client{
		baseURL:        baseURL,
		apiKey:         apiKey,
		defaultRouteID: strings.TrimSpace(cfg.DefaultRouteID),
		userAgent:      strings.TrimSpace(cfg.UserAgent),
		httpClient:     &http.Client{Timeout: timeout},
		breakerSettings: gobreaker.Settings{
			Name:        defaultBreakerName,
			MaxRequests: 1,
			Interval:    breakerInterval,
			Timeout:     breakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > breakerTripThreshold
			},
		},
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	settings := client.breakerSettings
	settings.IsSuccessful = isBreakerSuccess
	client.breaker = gobreaker.NewCircuitBreaker[relay.CarrierAcceptance](settings)
	return client, nil
}

type sendPayload struct {
	Originator string `json:"originator"`
	Recipient  string `json:"recipient"`
	Body       string `json:"body"`
	RouteID    string `json:"routeId,omitempty"`
}

// Send posts one message to the carrier's single-send endpoint.
func (client *Client) Send(ctx context.Context, message relay.OutboundMessage) (relay.CarrierAcceptance, error) {
	routeID := message.RouteID
	if routeID == "" {
		routeID = client.defaultRouteID
	}
	body, err := json.Marshal(sendPayload{
		Originator: message.Sender,
		Recipient:  message.Recipient.String(),
		Body:       message.Body,
		RouteID:    routeID,
	})
	if err != nil {
		return relay.CarrierAcceptance{}, fmt.Errorf("encode carrier request: %w", err)
	}
	acceptance, err := client.breaker.Execute(func() (relay.CarrierAcceptance, error) {
		return client.post(ctx, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return relay.CarrierAcceptance{}, relay.GatewayError{Err: err}
	}
	return acceptance, err
}

func (client *Client) post(ctx context.Context, body []byte) (relay.CarrierAcceptance, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+sendSinglePath, bytes.NewReader(body))
	if err != nil {
		return relay.CarrierAcceptance{}, relay.GatewayError{Err: err}
	}
	request.Header.Set("Content-Type", contentTypeJSON)
	request.Header.Set("Accept", contentTypeJSON)
	request.Header.Set("Authorization", "Bearer "+client.apiKey)
	if client.userAgent != "" {
		request.Header.Set("User-Agent", client.userAgent)
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return relay.CarrierAcceptance{}, relay.GatewayError{Err: err}
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return relay.CarrierAcceptance{}, relay.GatewayError{Err: err}
	}
	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return relay.CarrierAcceptance{}, relay.UpstreamError{Status: response.StatusCode, Payload: errorPayload(raw)}
	}
	return parseAcceptance(raw)
}

// parseAcceptance reads the message id and remaining balance from a success body. The carrier has
// used several field spellings across API versions, so each is tried in turn.
func parseAcceptance(raw []byte) (relay.CarrierAcceptance, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return relay.CarrierAcceptance{}, relay.UpstreamError{
			Status:  http.StatusBadGateway,
			Payload: errorPayload([]byte(unexpectedPayload)),
		}
	}
	acceptance := relay.CarrierAcceptance{Payload: json.RawMessage(append([]byte(nil), raw...))}
	acceptance.MessageID = firstString(fields, "id", "messageId", "message_id")
	if acceptance.MessageID == "" {
		if nested, ok := fields["message"]; ok {
			var inner map[string]json.RawMessage
			if json.Unmarshal(nested, &inner) == nil {
				acceptance.MessageID = firstString(inner, "id", "messageId")
			}
		}
	}
	if remaining, ok := firstNumber(fields, "credits", "balance", "remainingCredits"); ok {
		acceptance.Remaining = &remaining
	}
	return acceptance, nil
}

// errorPayload returns raw when it is a JSON object or array, otherwise wraps it as {"error": text}.
func errorPayload(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid(trimmed) {
		return json.RawMessage(append([]byte(nil), trimmed...))
	}
	wrapped, _ := json.Marshal(map[string]string{"error": string(trimmed)})
	return wrapped
}

func firstString(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var text string
		if json.Unmarshal(raw, &text) == nil && text != "" {
			return text
		}
		var number json.Number
		if json.Unmarshal(raw, &number) == nil && number != "" {
			return number.String()
		}
	}
	return ""
}

func firstNumber(fields map[string]json.RawMessage, keys ...string) (float64, bool) {
	for _, key := range keys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var number float64
		if json.Unmarshal(raw, &number) == nil {
			return number, true
		}
		var text string
		if json.Unmarshal(raw, &text) == nil {
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

// isBreakerSuccess counts carrier 4xx rejections as healthy responses; only 5xx and transport
// failures move the breaker toward open.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var upstream relay.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Status < http.StatusInternalServerError
	}
	return false
}
