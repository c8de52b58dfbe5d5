package relay

import (
	"fmt"
	"strings"
)

const (
	defaultSurchargeSender = "cal"
	defaultSenderSurcharge = Credits(3)
	weightASCII            = 1
	weightExtended         = 2
	weightEmoji            = 3
	asciiUpperBound        = 127
)

// pricingTier maps weighted lengths up to maxWeightedLength onto a credit cost.
type pricingTier struct {
	maxWeightedLength int
	credits           Credits
}

var pricingLadder = []pricingTier{
	{maxWeightedLength: 30, credits: 2},
	{maxWeightedLength: 50, credits: 4},
	{maxWeightedLength: 70, credits: 6},
	{maxWeightedLength: 90, credits: 8},
	{maxWeightedLength: 110, credits: 10},
	{maxWeightedLength: 130, credits: 12},
	{maxWeightedLength: 150, credits: 14},
	{maxWeightedLength: 170, credits: 16},
	{maxWeightedLength: 190, credits: 18},
	{maxWeightedLength: MaxWeightedLength, credits: 20},
}

// emojiRanges lists the code point blocks weighted as emoji.
var emojiRanges = [][2]rune{
	{0x1F600, 0x1F64F}, // emoticons
	{0x1F300, 0x1F5FF}, // symbols and pictographs
	{0x1F680, 0x1F6FF}, // transport and map
	{0x1F1E0, 0x1F1FF}, // regional indicators
	{0x2600, 0x26FF},   // misc symbols
	{0x2700, 0x27BF},   // dingbats
	{0xFE00, 0xFE0F},   // variation selectors
	{0x1F900, 0x1F9FF}, // supplemental symbols and pictographs
	{0x1F0A0, 0x1F0FF}, // playing cards
}

// Pricing computes the credit cost of a message.
type Pricing struct {
	surchargeSenders map[string]struct{}
	surcharge        Credits
}

// Quote is the priced form of one message.
type Quote struct {
	WeightedLength int
	Base           Credits
	Surcharge      Credits
	Credits        Credits
}

// DefaultPricing charges the reserved "cal" originator a 3 credit surcharge.
func DefaultPricing() Pricing {
	pricing, _ := NewPricing([]string{defaultSurchargeSender}, defaultSenderSurcharge.Int64())
	return pricing
}

// NewPricing builds a Pricing that adds surcharge credits for every sender in surchargeSenders.
func NewPricing(surchargeSenders []string, surcharge int64) (Pricing, error) {
	surchargeCredits, err := NewCredits(surcharge)
	if err != nil {
		return Pricing{}, fmt.Errorf("%w: surcharge: %v", ErrInvalidServiceConfig, err)
	}
	senders := make(map[string]struct{}, len(surchargeSenders))
	for _, sender := range surchargeSenders {
		key := strings.ToLower(strings.TrimSpace(sender))
		if key != "" {
			senders[key] = struct{}{}
		}
	}
	return Pricing{surchargeSenders: senders, surcharge: surchargeCredits}, nil
}

// Quote prices message for sender. It returns ErrEmptyMessage for an empty message and
// ErrMessageTooLong once the weighted length exceeds MaxWeightedLength.
func (pricing Pricing) Quote(message string, sender string) (Quote, error) {
	if message == "" {
		return Quote{}, ErrEmptyMessage
	}
	weightedLength := WeightedLength(message)
	base, err := creditsForWeightedLength(weightedLength)
	if err != nil {
		return Quote{WeightedLength: weightedLength}, err
	}
	quote := Quote{WeightedLength: weightedLength, Base: base, Credits: base}
	if _, reserved := pricing.surchargeSenders[strings.ToLower(strings.TrimSpace(sender))]; reserved {
		quote.Surcharge = pricing.surcharge
		quote.Credits += pricing.surcharge
	}
	return quote, nil
}

// WeightedLength sums the per-character weights of message.
func WeightedLength(message string) int {
	total := 0
	for _, character := range message {
		total += CharacterWeight(character)
	}
	return total
}

// CharacterWeight is 1 for ASCII, 3 for emoji-range code points and 2 for anything else.
func CharacterWeight(character rune) int {
	if character <= asciiUpperBound {
		return weightASCII
	}
	for _, block := range emojiRanges {
		if character >= block[0] && character <= block[1] {
			return weightEmoji
		}
	}
	return weightExtended
}

func creditsForWeightedLength(weightedLength int) (Credits, error) {
	if weightedLength <= 0 {
		return 0, ErrEmptyMessage
	}
	for _, tier := range pricingLadder {
		if weightedLength <= tier.maxWeightedLength {
			return tier.credits, nil
		}
	}
	return 0, fmt.Errorf("%w: weighted length %d exceeds %d", ErrMessageTooLong, weightedLength, MaxWeightedLength)
}
