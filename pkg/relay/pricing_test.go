package relay

import (
	"errors"
	"strings"
	"testing"
)

func TestQuoteExamples(test *testing.T) {
	test.Parallel()
	pricing := DefaultPricing()
	cases := []struct {
		name           string
		message        string
		sender         string
		weightedLength int
		credits        Credits
	}{
		{name: "short ascii", message: "Hello", sender: "shop", weightedLength: 5, credits: 2},
		{name: "hebrew", message: strings.Repeat("ש", 40), sender: "shop", weightedLength: 80, credits: 8},
		{name: "emoji", message: "😀😀", sender: "shop", weightedLength: 6, credits: 2},
		{name: "ladder boundary", message: strings.Repeat("a", 31), sender: "shop", weightedLength: 31, credits: 4},
		{name: "maximum", message: strings.Repeat("a", 200), sender: "shop", weightedLength: 200, credits: 20},
		{name: "reserved sender", message: "Hello", sender: "cal", weightedLength: 5, credits: 5},
		{name: "reserved sender any case", message: "Hello", sender: " CaL ", weightedLength: 5, credits: 5},
	}
	for _, testCase := range cases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			quote, err := pricing.Quote(testCase.message, testCase.sender)
			if err != nil {
				test.Fatalf("unexpected error: %v", err)
			}
			if quote.WeightedLength != testCase.weightedLength || quote.Credits != testCase.credits {
				test.Fatalf("expected %d/%d, got %d/%d", testCase.weightedLength, testCase.credits, quote.WeightedLength, quote.Credits)
			}
		})
	}
}

func TestQuoteRejectsEmptyAndTooLong(test *testing.T) {
	test.Parallel()
	pricing := DefaultPricing()
	if _, err := pricing.Quote("", "shop"); !errors.Is(err, ErrEmptyMessage) {
		test.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if _, err := pricing.Quote(strings.Repeat("a", 201), "shop"); !errors.Is(err, ErrMessageTooLong) {
		test.Fatalf("expected ErrMessageTooLong, got %v", err)
	}
	if _, err := pricing.Quote(strings.Repeat("ש", 101), "shop"); !errors.Is(err, ErrMessageTooLong) {
		test.Fatalf("expected ErrMessageTooLong for weighted overflow, got %v", err)
	}
}

func TestCostIsMonotonicOverLadder(test *testing.T) {
	test.Parallel()
	previous := Credits(0)
	for length := 1; length <= MaxWeightedLength; length++ {
		credits, err := creditsForWeightedLength(length)
		if err != nil {
			test.Fatalf("length %d: unexpected error %v", length, err)
		}
		if credits < previous {
			test.Fatalf("length %d: cost %d decreased from %d", length, credits, previous)
		}
		previous = credits
	}
}

func TestSurchargeAddsExactlyConfiguredAmount(test *testing.T) {
	test.Parallel()
	pricing, err := NewPricing([]string{"CAL", "vip"}, 3)
	if err != nil {
		test.Fatalf("pricing init failed: %v", err)
	}
	message := strings.Repeat("x", 75)
	plain, _ := pricing.Quote(message, "shop")
	reserved, _ := pricing.Quote(message, "Vip")
	if reserved.Credits-plain.Credits != 3 || reserved.Surcharge != 3 {
		test.Fatalf("expected surcharge 3, got %d", reserved.Credits-plain.Credits)
	}
	if _, err := NewPricing(nil, -1); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig, got %v", err)
	}
}

func TestCharacterWeight(test *testing.T) {
	test.Parallel()
	cases := map[rune]int{'a': 1, '~': 1, 'é': 2, 'ש': 2, '😀': 3, '\u2764': 3, '🚀': 3, '\uFE0F': 3}
	for character, want := range cases {
		if got := CharacterWeight(character); got != want {
			test.Fatalf("%q: expected %d, got %d", character, want, got)
		}
	}
}
