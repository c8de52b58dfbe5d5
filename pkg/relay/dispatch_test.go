package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSendRecordsLogWithoutDeduction(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 10)
	carrier := newStubCarrier()
	service := mustNewService(test, store, carrier)
	result, err := service.Send(context.Background(), SendRequest{To: "+972 50 123 4567", Message: "Hello", Sender: "Shop"})
	if err != nil {
		test.Fatalf("send failed: %v", err)
	}
	if result.CreditsUsed != 2 || result.MessageID != "msg-1" || result.Remaining == nil {
		test.Fatalf("unexpected result: %+v", result)
	}
	if result.Balance != nil {
		test.Fatalf("expected no balance without deduction, got %d", *result.Balance)
	}
	state := store.snapshot()
	if state.Credits != 10 {
		test.Fatalf("expected untouched balance, got %d", state.Credits)
	}
	if len(state.Logs) != 1 || state.Logs[0].Type != LogSingleSend || state.Logs[0].Recipient != "972501234567" {
		test.Fatalf("unexpected logs: %+v", state.Logs)
	}
	if carrier.calls[0].Sender != "Shop" || carrier.calls[0].Body != "Hello" {
		test.Fatalf("unexpected outbound message: %+v", carrier.calls[0])
	}
}

func TestSendWithDeduction(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 10)
	service := mustNewService(test, store, newStubCarrier(), WithSingleSendDeduction(true))
	result, err := service.Send(context.Background(), SendRequest{To: "0501234567", Message: "Hello", Sender: "cal"})
	if err != nil {
		test.Fatalf("send failed: %v", err)
	}
	if result.CreditsUsed != 5 || result.Balance == nil || *result.Balance != 5 {
		test.Fatalf("unexpected result: %+v", result)
	}
	if store.snapshot().Credits != 5 {
		test.Fatalf("expected balance 5, got %d", store.snapshot().Credits)
	}
}

func TestSendWithDeductionRefundsCarrierFailure(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 10)
	carrier := newStubCarrier()
	carrier.err = GatewayError{Err: errCarrierDown}
	service := mustNewService(test, store, carrier, WithSingleSendDeduction(true))
	_, err := service.Send(context.Background(), SendRequest{To: "0501234567", Message: "Hello", Sender: "shop"})
	var gateway GatewayError
	if !errors.As(err, &gateway) {
		test.Fatalf("expected GatewayError, got %v", err)
	}
	if store.snapshot().Credits != 10 {
		test.Fatalf("expected refunded balance, got %d", store.snapshot().Credits)
	}
	if len(store.snapshot().Logs) != 0 {
		test.Fatalf("expected no log entry on failure")
	}
}

func TestSendWithDeductionRejectsInsufficientBalance(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 1)
	carrier := newStubCarrier()
	service := mustNewService(test, store, carrier, WithSingleSendDeduction(true))
	_, err := service.Send(context.Background(), SendRequest{To: "0501234567", Message: "Hello", Sender: "shop"})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if carrier.callCount() != 0 {
		test.Fatalf("expected no carrier call")
	}
}

func TestSendGateOrder(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		dueDate string
		blocked []string
		request SendRequest
		want    error
	}{
		{
			name:    "expired before validation",
			dueDate: "2024-03-14",
			request: SendRequest{To: "bad", Message: "", Sender: ""},
			want:    ErrSubscriptionExpired,
		},
		{
			name:    "phone before message",
			request: SendRequest{To: "abc", Message: "", Sender: "shop"},
			want:    ErrInvalidPhone,
		},
		{
			name:    "message before sender",
			request: SendRequest{To: "0501234567", Message: "   ", Sender: ""},
			want:    ErrEmptyMessage,
		},
		{
			name:    "too long before sender",
			request: SendRequest{To: "0501234567", Message: strings.Repeat("a", 201), Sender: ""},
			want:    ErrMessageTooLong,
		},
		{
			name:    "empty sender",
			request: SendRequest{To: "0501234567", Message: "Hello", Sender: " "},
			want:    ErrEmptySender,
		},
		{
			name:    "blocked sender any case",
			blocked: []string{"spam1"},
			request: SendRequest{To: "0501234567", Message: "Hello", Sender: "SPAM1"},
			want:    ErrSenderBlocked,
		},
		{
			name:    "recipient not normalizable",
			request: SendRequest{To: "1234567", Message: "Hello", Sender: "shop"},
			want:    ErrInvalidRecipient,
		},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newMemoryStore(test, 100)
			store.setDueDate(testCase.dueDate)
			store.setBlocked(testCase.blocked...)
			carrier := newStubCarrier()
			service := mustNewService(test, store, carrier)
			_, err := service.Send(context.Background(), testCase.request)
			if !errors.Is(err, testCase.want) {
				test.Fatalf("expected %v, got %v", testCase.want, err)
			}
			if carrier.callCount() != 0 {
				test.Fatalf("expected no carrier call")
			}
		})
	}
}

func TestAddedBlockedSenderRejectsSend(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 100)
	service := mustNewService(test, store, newStubCarrier())
	if _, err := service.AddBlockedSender(context.Background(), "spam1"); err != nil {
		test.Fatalf("add blocked sender failed: %v", err)
	}
	_, err := service.SendBatch(context.Background(), BatchSendRequest{Sender: "SPAM1", Message: "Hi", Recipients: []string{"0501234567"}})
	if !errors.Is(err, ErrSenderBlocked) {
		test.Fatalf("expected ErrSenderBlocked, got %v", err)
	}
}

func TestSendBatchInsufficientCredits(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 5)
	carrier := newStubCarrier()
	service := mustNewService(test, store, carrier)
	_, err := service.SendBatch(context.Background(), BatchSendRequest{
		Sender:     "shop",
		Message:    strings.Repeat("a", 60),
		Recipients: []string{"0501234567"},
	})
	var insufficient InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		test.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insufficient.Needed != 6 || insufficient.Available != 5 {
		test.Fatalf("unexpected shortfall: %+v", insufficient)
	}
	if carrier.callCount() != 0 {
		test.Fatalf("expected no carrier call")
	}
	if store.snapshot().Credits != 5 {
		test.Fatalf("expected no deduction, got %d", store.snapshot().Credits)
	}
}

func TestSendBatchChargesAcceptedRecipientsOnly(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 100)
	carrier := newStubCarrier()
	carrier.failures["0521234567"] = UpstreamError{Status: 400, Payload: []byte(`{"error":"unknown subscriber"}`)}
	service := mustNewService(test, store, carrier, WithNormalizer(mustNormalizer(test, RegimeLocal)), WithDispatchLimits(2, 0))
	result, err := service.SendBatch(context.Background(), BatchSendRequest{
		Sender:     "shop",
		Message:    "Hello",
		Recipients: []string{"972501234567", "0501234567", "0521234567", "0531234567", "junk"},
	})
	if err != nil {
		test.Fatalf("batch failed: %v", err)
	}
	if result.Attempted != 3 || result.Success != 2 || result.Failed != 1 {
		test.Fatalf("unexpected counts: %+v", result)
	}
	if result.PerMessage != 2 || result.TotalUsed != 4 || result.Credits != 96 {
		test.Fatalf("unexpected credit figures: %+v", result)
	}
	if store.snapshot().Credits != 96 {
		test.Fatalf("expected balance 96, got %d", store.snapshot().Credits)
	}
	for _, recipientResult := range result.Results {
		if recipientResult.Recipient == "0521234567" {
			var upstream UpstreamError
			if recipientResult.OK || recipientResult.Error != `{"error":"unknown subscriber"}` || !errors.As(recipientResult.Cause, &upstream) {
				test.Fatalf("unexpected failed result: %+v", recipientResult)
			}
			continue
		}
		if !recipientResult.OK || recipientResult.MessageID == "" {
			test.Fatalf("unexpected result: %+v", recipientResult)
		}
	}
	logs := store.snapshot().Logs
	if len(logs) != 1 || logs[0].Type != LogBatchSend || logs[0].Failed != 1 || *logs[0].Balance != 96 {
		test.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestSendBatchAllFailedRefundsEverything(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 20)
	carrier := newStubCarrier()
	carrier.err = GatewayError{Err: errCarrierDown}
	service := mustNewService(test, store, carrier)
	result, err := service.SendBatch(context.Background(), BatchSendRequest{
		Sender:     "shop",
		Message:    "Hello",
		Recipients: []string{"972501234567", "972521234567"},
	})
	if err != nil {
		test.Fatalf("batch failed: %v", err)
	}
	if result.Success != 0 || result.Failed != 2 || result.TotalUsed != 0 || result.Credits != 20 {
		test.Fatalf("unexpected result: %+v", result)
	}
	if store.snapshot().Credits != 20 {
		test.Fatalf("expected full refund, got %d", store.snapshot().Credits)
	}
}

func TestSendBatchRejectsEmptyRecipientSet(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 20)
	service := mustNewService(test, store, newStubCarrier())
	_, err := service.SendBatch(context.Background(), BatchSendRequest{Sender: "shop", Message: "Hello", Recipients: []string{"x", "12"}})
	if !errors.Is(err, ErrNoRecipients) {
		test.Fatalf("expected ErrNoRecipients, got %v", err)
	}
}

func TestSendBatchExpiredBeforeValidation(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 20)
	store.setDueDate("2024-03-14")
	service := mustNewService(test, store, newStubCarrier())
	_, err := service.SendBatch(context.Background(), BatchSendRequest{})
	if !errors.Is(err, ErrSubscriptionExpired) {
		test.Fatalf("expected ErrSubscriptionExpired, got %v", err)
	}
}

func TestSendBatchRateLimited(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 100)
	carrier := newStubCarrier()
	service := mustNewService(test, store, carrier, WithDispatchLimits(1, 1000))
	result, err := service.SendBatch(context.Background(), BatchSendRequest{
		Sender:     "shop",
		Message:    "Hello",
		Recipients: []string{"972501234567", "972521234567", "972531234567"},
	})
	if err != nil {
		test.Fatalf("batch failed: %v", err)
	}
	if result.Success != 3 || carrier.callCount() != 3 {
		test.Fatalf("unexpected result: %+v", result)
	}
}

func TestNewServiceRequiresDependencies(test *testing.T) {
	test.Parallel()
	store := newMemoryStore(test, 0)
	if _, err := NewService(nil, newStubCarrier(), func() time.Time { return fixedNow }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for store, got %v", err)
	}
	if _, err := NewService(store, nil, func() time.Time { return fixedNow }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for carrier, got %v", err)
	}
	if _, err := NewService(store, newStubCarrier(), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for clock, got %v", err)
	}
}

func TestDescribeDispatchErrorHidesTransportDetail(test *testing.T) {
	test.Parallel()

	testCases := []struct {
		name string
		err  error
		want string
	}{
		{name: "carrier payload", err: UpstreamError{Status: 400, Payload: []byte(`{"error":"bad number"}`)}, want: `{"error":"bad number"}`},
		{name: "carrier status only", err: UpstreamError{Status: 503}, want: "carrier returned status 503"},
		{name: "gateway", err: GatewayError{Err: errors.New("dial tcp 10.0.0.7:443: i/o timeout")}, want: MessageCarrierUnreachable},
		{name: "other", err: errors.New("rate: Wait(n=1) would exceed context deadline"), want: MessageInternalError},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := describeDispatchError(testCase.err); got != testCase.want {
				test.Fatalf("describeDispatchError = %q, want %q", got, testCase.want)
			}
		})
	}
}
