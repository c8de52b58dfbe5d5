package relay

import (
	"errors"
	"testing"
)

const (
	operationName    = "store"
	subjectName      = "document"
	codeName         = "decode"
	baseErrorMessage = "base error"
)

func TestOperationErrorFormatting(test *testing.T) {
	test.Parallel()
	baseError := errors.New(baseErrorMessage)
	wrappedError := WrapError(operationName, subjectName, codeName, baseError)
	if wrappedError == nil {
		test.Fatalf("expected wrapped error")
	}
	expected := operationName + "." + subjectName + "." + codeName + ": " + baseErrorMessage
	if wrappedError.Error() != expected {
		test.Fatalf("expected %q, got %q", expected, wrappedError.Error())
	}
	if !errors.Is(wrappedError, baseError) {
		test.Fatalf("expected wrapped error to unwrap to base error")
	}
}

func TestWrapErrorNil(test *testing.T) {
	test.Parallel()
	if WrapError(operationName, subjectName, codeName, nil) != nil {
		test.Fatalf("expected nil wrapped error")
	}
}

func TestInsufficientCreditsErrorUnwraps(test *testing.T) {
	test.Parallel()
	err := error(InsufficientCreditsError{Needed: 6, Available: 5})
	if !errors.Is(err, ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	var insufficient InsufficientCreditsError
	if !errors.As(err, &insufficient) || insufficient.Needed != 6 || insufficient.Available != 5 {
		test.Fatalf("unexpected shortfall: %+v", insufficient)
	}
}

func TestIsValidationError(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "empty message", err: ErrEmptyMessage, want: true},
		{name: "wrapped sender", err: errors.Join(errors.New("context"), ErrInvalidSenderID), want: true},
		{name: "expired", err: ErrSubscriptionExpired, want: false},
		{name: "gateway", err: GatewayError{Err: errors.New("timeout")}, want: false},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := IsValidationError(testCase.err); got != testCase.want {
				test.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}
