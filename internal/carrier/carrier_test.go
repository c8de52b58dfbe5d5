package carrier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/smsrelay/pkg/relay"
	"github.com/sony/gobreaker/v2"
)

const testAPIKey = "test-key"

func newTestClient(test *testing.T, serverURL string, options ...Option) *Client {
	test.Helper()
	client, err := New(Config{BaseURL: serverURL, APIKey: testAPIKey, Timeout: 2 * time.Second, DefaultRouteID: "route-default"}, options...)
	if err != nil {
		test.Fatalf("client init failed: %v", err)
	}
	return client
}

func testMessage() relay.OutboundMessage {
	return relay.OutboundMessage{Sender: "Shop", Recipient: "972501234567", Body: "Hello"}
}

func TestNewRequiresAPIKey(test *testing.T) {
	test.Parallel()
	if _, err := New(Config{}); !errors.Is(err, ErrMissingAPIKey) {
		test.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	client, err := New(Config{APIKey: "k"})
	if err != nil {
		test.Fatalf("unexpected error: %v", err)
	}
	if client.baseURL != DefaultBaseURL || client.httpClient.Timeout != DefaultTimeout {
		test.Fatalf("expected defaults, got %q / %v", client.baseURL, client.httpClient.Timeout)
	}
}

func TestSendPostsExpectedRequest(test *testing.T) {
	test.Parallel()
	var captured sendPayload
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost || request.URL.Path != sendSinglePath {
			test.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if got := request.Header.Get("Authorization"); got != "Bearer "+testAPIKey {
			test.Errorf("unexpected authorization header %q", got)
		}
		body, _ := io.ReadAll(request.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			test.Errorf("decode request failed: %v", err)
		}
		writer.Header().Set("Content-Type", contentTypeJSON)
		_, _ = writer.Write([]byte(`{"id":"abc-123","credits":"41.5"}`))
	}))
	defer server.Close()

	acceptance, err := newTestClient(test, server.URL).Send(context.Background(), testMessage())
	if err != nil {
		test.Fatalf("send failed: %v", err)
	}
	if acceptance.MessageID != "abc-123" {
		test.Fatalf("unexpected message id %q", acceptance.MessageID)
	}
	if acceptance.Remaining == nil || *acceptance.Remaining != 41.5 {
		test.Fatalf("unexpected remaining %v", acceptance.Remaining)
	}
	want := sendPayload{Originator: "Shop", Recipient: "972501234567", Body: "Hello", RouteID: "route-default"}
	if captured != want {
		test.Fatalf("expected %+v, got %+v", want, captured)
	}
}

func TestParseAcceptanceFieldVariants(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name      string
		body      string
		messageID string
		remaining *float64
	}{
		{name: "camel case", body: `{"messageId":"m-1","balance":12}`, messageID: "m-1", remaining: floatPtr(12)},
		{name: "snake case numeric", body: `{"message_id":77}`, messageID: "77"},
		{name: "nested", body: `{"message":{"id":"m-2"},"remainingCredits":3.25}`, messageID: "m-2", remaining: floatPtr(3.25)},
		{name: "no id", body: `{"status":"queued"}`},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			acceptance, err := parseAcceptance([]byte(testCase.body))
			if err != nil {
				test.Fatalf("parse failed: %v", err)
			}
			if acceptance.MessageID != testCase.messageID {
				test.Fatalf("expected id %q, got %q", testCase.messageID, acceptance.MessageID)
			}
			if (acceptance.Remaining == nil) != (testCase.remaining == nil) {
				test.Fatalf("unexpected remaining %v", acceptance.Remaining)
			}
			if testCase.remaining != nil && *acceptance.Remaining != *testCase.remaining {
				test.Fatalf("expected remaining %v, got %v", *testCase.remaining, *acceptance.Remaining)
			}
			if string(acceptance.Payload) != testCase.body {
				test.Fatalf("expected payload preserved, got %s", acceptance.Payload)
			}
		})
	}
}

func TestSendRelaysCarrierError(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name        string
		status      int
		body        string
		wantPayload string
	}{
		{name: "json body", status: http.StatusBadRequest, body: `{"message":"invalid recipient"}`, wantPayload: `{"message":"invalid recipient"}`},
		{name: "text body", status: http.StatusUnauthorized, body: "Unauthorized", wantPayload: `{"error":"Unauthorized"}`},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = writer.Write([]byte(testCase.body))
			}))
			defer server.Close()
			_, err := newTestClient(test, server.URL).Send(context.Background(), testMessage())
			var upstream relay.UpstreamError
			if !errors.As(err, &upstream) {
				test.Fatalf("expected UpstreamError, got %v", err)
			}
			if upstream.Status != testCase.status || string(upstream.Payload) != testCase.wantPayload {
				test.Fatalf("unexpected upstream error %d %s", upstream.Status, upstream.Payload)
			}
		})
	}
}

func TestSendRejectsNonJSONSuccess(test *testing.T) {
	test.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = writer.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()
	_, err := newTestClient(test, server.URL).Send(context.Background(), testMessage())
	var upstream relay.UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != http.StatusBadGateway {
		test.Fatalf("expected 502 UpstreamError, got %v", err)
	}
}

func TestSendTimeoutIsGatewayError(test *testing.T) {
	test.Parallel()
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)
	client := newTestClient(test, server.URL, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := client.Send(context.Background(), testMessage())
	var gateway relay.GatewayError
	if !errors.As(err, &gateway) {
		test.Fatalf("expected GatewayError, got %v", err)
	}
}

func TestBreakerOpensOnServerErrorsOnly(test *testing.T) {
	test.Parallel()
	var calls atomic.Int32
	status := atomic.Int32{}
	status.Store(http.StatusBadRequest)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		writer.WriteHeader(int(status.Load()))
		_, _ = writer.Write([]byte(`{"error":"nope"}`))
	}))
	defer server.Close()
	client := newTestClient(test, server.URL, WithBreakerSettings(gobreaker.Settings{
		Name:        "test",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 },
	}))
	ctx := context.Background()
	for index := 0; index < 3; index++ {
		_, err := client.Send(ctx, testMessage())
		var upstream relay.UpstreamError
		if !errors.As(err, &upstream) {
			test.Fatalf("expected UpstreamError for 4xx, got %v", err)
		}
	}
	status.Store(http.StatusServiceUnavailable)
	for index := 0; index < 2; index++ {
		_, _ = client.Send(ctx, testMessage())
	}
	before := calls.Load()
	_, err := client.Send(ctx, testMessage())
	var gateway relay.GatewayError
	if !errors.As(err, &gateway) || !errors.Is(err, gobreaker.ErrOpenState) {
		test.Fatalf("expected open breaker GatewayError, got %v", err)
	}
	if calls.Load() != before {
		test.Fatalf("expected no request while breaker is open")
	}
}

func floatPtr(value float64) *float64 {
	return &value
}
