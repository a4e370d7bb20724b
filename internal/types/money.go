// SPDX-License-Identifier: MIT

// Package types holds small value types shared across the core: fixed-point
// money and calendar dates. Both marshal to the wire formats the clients
// expect (decimal numbers with two fractional digits, YYYY-MM-DD dates).
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is an amount of money in integer cents. All arithmetic inside the
// core is integral; the two-digit decimal rendering exists only at the
// JSON boundary.
type Cents int64

// ParseCents parses a decimal money string ("123.45", "99", "0.5") into
// cents. More than two fractional digits is an error.
func ParseCents(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	var f int64
	switch len(frac) {
	case 0:
	case 1:
		f, err = strconv.ParseInt(frac, 10, 64)
		f *= 10
	case 2:
		f, err = strconv.ParseInt(frac, 10, 64)
	default:
		return 0, fmt.Errorf("money: more than two fractional digits in %q", s)
	}
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	c := Cents(w*100 + f)
	if neg {
		c = -c
	}
	return c, nil
}

// String renders the amount as a decimal with exactly two fractional digits.
func (c Cents) String() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalJSON emits the amount as a JSON number with two fractional digits.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalJSON accepts both quoted and bare decimal numbers.
func (c *Cents) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseCents(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
