package ledger

import (
	"math/big"
	"strings"

	xerrors "AgentEscrow-Chain/internal/errors"
)

// Decimals is the fixed fractional precision of the escrow unit.
const Decimals = 7

var unitScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// OneUnit returns a fresh copy of one whole unit in atomic form.
func OneUnit() *big.Int {
	return new(big.Int).Set(unitScale)
}

// ToAtomic converts a decimal string into atomic units. Digits beyond the
// seventh fractional place are dropped, never rounded up.
func ToAtomic(amount string) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	negative := false
	switch {
	case strings.HasPrefix(s, "-"):
		negative = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, xerrors.New(CodeInvalidAmount, "amount is empty", xerrors.WithMetadata("amount", amount))
	}
	if !allDigits(whole) || !allDigits(frac) {
		return nil, xerrors.New(CodeInvalidAmount, "amount is not a decimal number", xerrors.WithMetadata("amount", amount))
	}
	if len(frac) > Decimals {
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	if whole == "" {
		whole = "0"
	}

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, xerrors.New(CodeInvalidAmount, "amount is not a decimal number", xerrors.WithMetadata("amount", amount))
	}
	if negative {
		v.Neg(v)
	}
	return v, nil
}

// FromAtomic renders an atomic amount with exactly seven fractional digits.
func FromAtomic(atomic *big.Int) string {
	if atomic == nil {
		return "0." + strings.Repeat("0", Decimals)
	}
	abs := new(big.Int).Abs(atomic)
	q, r := new(big.Int).QuoRem(abs, unitScale, new(big.Int))
	frac := r.String()
	frac = strings.Repeat("0", Decimals-len(frac)) + frac

	sign := ""
	if atomic.Sign() < 0 {
		sign = "-"
	}
	return sign + q.String() + "." + frac
}

// ParseDisplay parses a display price such as "0.05 XLM". The unit suffix is
// optional and not checked against the configured symbol.
func ParseDisplay(display string) (*big.Int, error) {
	fields := strings.Fields(display)
	if len(fields) == 0 || len(fields) > 2 {
		return nil, xerrors.New(CodeInvalidAmount, "price must be '<amount> [unit]'", xerrors.WithMetadata("amount", display))
	}
	v, err := ToAtomic(fields[0])
	if err != nil {
		return nil, err
	}
	if v.Sign() < 0 {
		return nil, xerrors.New(CodeInvalidAmount, "price cannot be negative", xerrors.WithMetadata("amount", display))
	}
	return v, nil
}

// Format renders an atomic amount with its unit symbol.
func Format(atomic *big.Int, symbol string) string {
	if symbol == "" {
		return FromAtomic(atomic)
	}
	return FromAtomic(atomic) + " " + symbol
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
