package relay

import (
	"errors"
	"testing"
	"time"
)

func TestIsExpired(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		dueDate string
		want    bool
	}{
		{name: "yesterday", dueDate: "2024-03-14", want: true},
		{name: "today stays valid", dueDate: "2024-03-15", want: false},
		{name: "tomorrow", dueDate: "2024-03-16", want: false},
		{name: "absent", dueDate: "", want: false},
		{name: "unparsable", dueDate: "next tuesday", want: false},
		{name: "past timestamp", dueDate: "2024-03-14T08:00:00Z", want: true},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := IsExpired(testCase.dueDate, fixedNow); got != testCase.want {
				test.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}

func TestExpiresAtCoversWholeDay(test *testing.T) {
	test.Parallel()
	expiresAt, ok := ExpiresAt("2024-03-15")
	if !ok {
		test.Fatalf("expected parsable due date")
	}
	want := time.Date(2024, time.March, 15, 23, 59, 59, int(999*time.Millisecond), time.UTC)
	if !expiresAt.Equal(want) {
		test.Fatalf("expected %v, got %v", want, expiresAt)
	}
	if IsExpired("2024-03-15", want) {
		test.Fatalf("expected due date valid at its last instant")
	}
	if !IsExpired("2024-03-15", want.Add(time.Millisecond)) {
		test.Fatalf("expected due date expired after its last instant")
	}
}

func TestRenewMonth(test *testing.T) {
	test.Parallel()
	cases := []struct {
		name    string
		dueDate string
		want    string
	}{
		{name: "leap year clamp", dueDate: "2024-01-31", want: "2024-02-29"},
		{name: "common year clamp", dueDate: "2023-01-31", want: "2023-02-28"},
		{name: "mid month", dueDate: "2024-05-10", want: "2024-06-10"},
		{name: "year rollover", dueDate: "2024-12-31", want: "2025-01-31"},
		{name: "absent uses now", dueDate: "", want: "2024-04-15"},
		{name: "unparsable uses now", dueDate: "soon", want: "2024-04-15"},
		{name: "timestamp keeps time", dueDate: "2024-01-31T10:30:00Z", want: "2024-02-29T10:30:00Z"},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := RenewMonth(testCase.dueDate, fixedNow); got != testCase.want {
				test.Fatalf("expected %q, got %q", testCase.want, got)
			}
		})
	}
}

func TestNormalizeDueDate(test *testing.T) {
	test.Parallel()
	normalized, err := NormalizeDueDate(" 2024-07-01 ")
	if err != nil || normalized != "2024-07-01" {
		test.Fatalf("expected date-only value, got %q (%v)", normalized, err)
	}
	normalized, err = NormalizeDueDate("2024-07-01T09:15")
	if err != nil || normalized != "2024-07-01T09:15:00Z" {
		test.Fatalf("expected RFC3339 value, got %q (%v)", normalized, err)
	}
	if _, err := NormalizeDueDate("31/01/2024"); !errors.Is(err, ErrInvalidDueDate) {
		test.Fatalf("expected ErrInvalidDueDate, got %v", err)
	}
}
