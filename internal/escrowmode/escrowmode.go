// Package escrowmode decides how a gift amount moves between two users.
//
// Amounts fall into three contiguous bands:
//
//	[0, Direct)          -> direct     (funds move immediately)
//	[Direct, Mandatory)  -> optional   (sender picks escrow or direct)
//	[Mandatory, ∞)       -> mandatory  (funds are always held in escrow)
//
// A threshold amount belongs to the band it opens, so 30.00 is optional and
// 100.00 is mandatory with the default thresholds.
package escrowmode

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidThresholds = errors.New("escrow thresholds must satisfy 0 < direct < mandatory")
	ErrUnknownMode       = errors.New("unknown escrow mode")
)

// Mode is the transfer path chosen for an amount.
type Mode string

const (
	ModeDirect    Mode = "direct"
	ModeOptional  Mode = "optional"
	ModeMandatory Mode = "mandatory"
)

// Valid reports whether m is one of the three known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeDirect, ModeOptional, ModeMandatory:
		return true
	}
	return false
}

// ParseMode converts a string into a Mode.
func ParseMode(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
	return m, nil
}

// Thresholds holds the two band boundaries.
type Thresholds struct {
	Direct    decimal.Decimal `json:"direct"`    // first amount that is no longer direct
	Mandatory decimal.Decimal `json:"mandatory"` // first amount that always uses escrow
}

// DefaultThresholds returns the 30 / 100 gift-pricing tiers.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Direct:    decimal.NewFromInt(30),
		Mandatory: decimal.NewFromInt(100),
	}
}

// Validate checks the band ordering.
func (t Thresholds) Validate() error {
	if !t.Direct.IsPositive() || !t.Mandatory.GreaterThan(t.Direct) {
		return fmt.Errorf("%w (direct=%s, mandatory=%s)", ErrInvalidThresholds, t.Direct, t.Mandatory)
	}
	return nil
}

// Classify maps an amount to exactly one mode. It never fails; amounts below
// zero are treated as direct and rejected later by request validation.
func (t Thresholds) Classify(amount decimal.Decimal) Mode {
	switch {
	case amount.LessThan(t.Direct):
		return ModeDirect
	case amount.LessThan(t.Mandatory):
		return ModeOptional
	default:
		return ModeMandatory
	}
}

// Explain returns a short user-facing rationale for the mode.
func (t Thresholds) Explain(mode Mode, amount decimal.Decimal) string {
	a := amount.StringFixed(2)
	switch mode {
	case ModeDirect:
		return fmt.Sprintf("Gifts under %s are sent instantly. Your %s gift goes straight to the recipient.",
			t.Direct.StringFixed(2), a)
	case ModeOptional:
		return fmt.Sprintf("For gifts between %s and %s you can hold the %s in escrow until the moment is proven, or send it directly.",
			t.Direct.StringFixed(2), t.Mandatory.StringFixed(2), a)
	case ModeMandatory:
		return fmt.Sprintf("Gifts of %s or more are protected by escrow. Your %s is released once proof is verified.",
			t.Mandatory.StringFixed(2), a)
	default:
		return "This gift will be processed securely."
	}
}
