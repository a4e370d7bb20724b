// SPDX-License-Identifier: MIT

package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCentsString(t *testing.T) {
	require.Equal(t, "150.00", Cents(15000).String())
	require.Equal(t, "0.05", Cents(5).String())
	require.Equal(t, "99.99", Cents(9999).String())
}

func TestCentsJSON(t *testing.T) {
	data, err := json.Marshal(Cents(12550))
	require.NoError(t, err)
	require.Equal(t, "125.50", string(data))

	var c Cents
	require.NoError(t, json.Unmarshal([]byte(`125.50`), &c))
	require.Equal(t, Cents(12550), c)
	require.NoError(t, json.Unmarshal([]byte(`"3.00"`), &c))
	require.Equal(t, Cents(300), c)
}

func TestParseCents(t *testing.T) {
	for in, want := range map[string]Cents{
		"123.45": 12345,
		"99":     9900,
		"0.5":    50,
		"-1.25":  -125,
	} {
		got, err := ParseCents(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseCents("1.234")
	require.Error(t, err)
	_, err = ParseCents("abc")
	require.Error(t, err)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-09-01")
	require.NoError(t, err)
	require.Equal(t, "2026-09-01", d.String())

	_, err = ParseDate("09/01/2026")
	require.Error(t, err)
	_, err = ParseDate("")
	require.Error(t, err)
}

func TestDateArithmetic(t *testing.T) {
	d, err := ParseDate("2026-02-27")
	require.NoError(t, err)
	require.Equal(t, "2026-03-01", d.AddDays(2).String(), "non-leap February rollover")

	co, err := ParseDate("2026-03-02")
	require.NoError(t, err)
	require.True(t, d.Before(co))
	require.Equal(t, 3, d.DaysUntil(co))
}

func TestMonthsCovered(t *testing.T) {
	from, err := ParseDate("2026-01-30")
	require.NoError(t, err)
	to, err := ParseDate("2026-03-02")
	require.NoError(t, err)

	// Half-open [from, to): March 2 means March is covered via March 1.
	require.Equal(t, []string{"2026-1", "2026-2", "2026-3"}, MonthsCovered(from, to))

	// A one-night stay covers a single month.
	short, err := ParseDate("2026-01-31")
	require.NoError(t, err)
	require.Equal(t, []string{"2026-1"}, MonthsCovered(from, short))
}

func TestMonthKey(t *testing.T) {
	d := NewDate(2026, time.September, 5)
	require.Equal(t, "2026-9", d.MonthKey())
}
