package dispense

import "fmt"

// ShortfallPolicy decides what happens when the captured payment
// amount does not cover the computed order total. It is an explicit
// configuration choice, never a silent default behavior.
type ShortfallPolicy string

const (
	// ShortfallReject rejects the whole dispense with PAYMENT_SHORT.
	ShortfallReject ShortfallPolicy = "reject"
	// ShortfallPartial accepts the dispense and records the payment
	// as PENDING until the member settles the remainder.
	ShortfallPartial ShortfallPolicy = "partial"
)

// ParseShortfallPolicy validates a configured policy string.
func ParseShortfallPolicy(s string) (ShortfallPolicy, error) {
	switch ShortfallPolicy(s) {
	case ShortfallReject, ShortfallPartial:
		return ShortfallPolicy(s), nil
	}
	return "", fmt.Errorf("unknown payment shortfall policy %q (want %q or %q)",
		s, ShortfallReject, ShortfallPartial)
}
