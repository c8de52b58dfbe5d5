package relay

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// PhoneRegime selects how raw phone input is canonicalized.
type PhoneRegime string

const (
	// RegimeInternational accepts 8 to 15 digit MSISDNs after stripping non-digits.
	RegimeInternational PhoneRegime = "international"
	// RegimeLocal rewrites country-prefixed numbers into local trunk format.
	RegimeLocal PhoneRegime = "local"

	defaultCountryCode    = "972"
	localTrunkPrefix      = "0"
	internationalPrefix   = "00"
	minInternationalDigit = 8
	maxInternationalDigit = 15
)

var (
	phoneShapePattern   = regexp.MustCompile(`^\+?[0-9\s\-().]{7,24}$`)
	localNumberPattern  = regexp.MustCompile(`^0[1-9][0-9]{7,8}$`)
	countryCodePattern  = regexp.MustCompile(`^[1-9][0-9]{0,3}$`)
	nationalDigitsRange = [2]int{8, 9}
)

// Normalizer converts raw phone input into the carrier's canonical recipient format.
type Normalizer struct {
	regime      PhoneRegime
	countryCode string
}

// DefaultNormalizer validates international MSISDNs.
func DefaultNormalizer() Normalizer {
	return Normalizer{regime: RegimeInternational, countryCode: defaultCountryCode}
}

// NewNormalizer builds a Normalizer. countryCode is only consulted by RegimeLocal.
func NewNormalizer(regime PhoneRegime, countryCode string) (Normalizer, error) {
	switch regime {
	case RegimeInternational, RegimeLocal:
	case "":
		regime = RegimeInternational
	default:
		return Normalizer{}, fmt.Errorf("%w: %q", ErrInvalidPhoneRegime, regime)
	}
	code := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")
	if code == "" {
		code = defaultCountryCode
	}
	if !countryCodePattern.MatchString(code) {
		return Normalizer{}, fmt.Errorf("%w: country code %q", ErrInvalidPhoneRegime, countryCode)
	}
	return Normalizer{regime: regime, countryCode: code}, nil
}

// Regime returns the configured validation regime.
func (normalizer Normalizer) Regime() PhoneRegime {
	return normalizer.regime
}

// LooksLikePhone is the coarse shape check applied before normalization.
func LooksLikePhone(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if !phoneShapePattern.MatchString(trimmed) {
		return false
	}
	return strings.IndexFunc(trimmed, unicode.IsDigit) >= 0
}

// Normalize returns the canonical recipient, or false when raw is not a valid number.
func (normalizer Normalizer) Normalize(raw string) (Recipient, bool) {
	digits := digitsOnly(raw)
	if digits == "" {
		return "", false
	}
	if normalizer.regime == RegimeLocal {
		return normalizer.normalizeLocal(digits)
	}
	if len(digits) < minInternationalDigit || len(digits) > maxInternationalDigit {
		return "", false
	}
	return Recipient(digits), true
}

// NormalizeAll normalizes raws and returns the distinct canonical recipients in sorted order.
// Invalid entries are dropped.
func (normalizer Normalizer) NormalizeAll(raws []string) []Recipient {
	seen := make(map[Recipient]struct{}, len(raws))
	recipients := make([]Recipient, 0, len(raws))
	for _, raw := range raws {
		recipient, ok := normalizer.Normalize(strings.TrimSpace(raw))
		if !ok {
			continue
		}
		if _, exists := seen[recipient]; exists {
			continue
		}
		seen[recipient] = struct{}{}
		recipients = append(recipients, recipient)
	}
	sort.Slice(recipients, func(left, right int) bool { return recipients[left] < recipients[right] })
	return recipients
}

// SplitRecipients splits a delimited recipient string on whitespace, commas and semicolons.
func SplitRecipients(raw string) []string {
	return strings.FieldsFunc(raw, func(character rune) bool {
		return unicode.IsSpace(character) || character == ',' || character == ';'
	})
}

func (normalizer Normalizer) normalizeLocal(digits string) (Recipient, bool) {
	digits = strings.TrimPrefix(digits, internationalPrefix)
	if strings.HasPrefix(digits, normalizer.countryCode) {
		national := strings.TrimPrefix(strings.TrimPrefix(digits, normalizer.countryCode), localTrunkPrefix)
		if len(national) < nationalDigitsRange[0] || len(national) > nationalDigitsRange[1] {
			return "", false
		}
		digits = localTrunkPrefix + national
	}
	if !localNumberPattern.MatchString(digits) {
		return "", false
	}
	return Recipient(digits), true
}

func digitsOnly(raw string) string {
	var builder strings.Builder
	for _, character := range raw {
		if character >= '0' && character <= '9' {
			builder.WriteRune(character)
		}
	}
	return builder.String()
}
