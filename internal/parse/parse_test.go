package parse

import (
	"testing"

	"github.com/sluicedev/sluice/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateTriesFamiliesInOrder(t *testing.T) {
	tests := []struct {
		raw   string
		style DateStyle
		want  string
	}{
		{"2024-01-15", StyleISO, "2024-01-15"},
		{"2024-01-15T09:30:00Z", StyleISO, "2024-01-15"},
		{"2024-01-15 09:30:00", StyleISO, "2024-01-15"},
		{"15/01/2024", StyleDayFirst, "2024-01-15"},
		{"15-01-2024", StyleDayFirst, "2024-01-15"},
		{"15.01.2024", StyleDayFirst, "2024-01-15"},
		{"1705276800", StyleEpoch, "2024-01-15"},
	}
	for _, tc := range tests {
		parsed, style, ok := Date(tc.raw)
		require.True(t, ok, "Date(%q)", tc.raw)
		assert.Equal(t, tc.style, style, "Date(%q) style", tc.raw)
		assert.Equal(t, tc.want, parsed.UTC().Format(CanonicalDateLayout), "Date(%q)", tc.raw)
	}
}

func TestDateEpochMilliseconds(t *testing.T) {
	parsed, style, ok := Date("1705276800000")
	require.True(t, ok)
	assert.Equal(t, StyleEpoch, style)
	assert.Equal(t, "2024-01-15", parsed.Format(CanonicalDateLayout))
}

func TestDateRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"not-a-date", "2024-13-45", "99/99/9999", ""} {
		_, _, ok := Date(raw)
		assert.False(t, ok, "Date(%q) should fail", raw)
	}
}

func TestFitsIsStrictForDates(t *testing.T) {
	// A day-first value is recoverable but does not fit the declared kind.
	assert.True(t, Fits(models.KindDate, "2024-01-15"))
	assert.False(t, Fits(models.KindDate, "15/01/2024"))
	assert.False(t, Fits(models.KindTimestamp, "1705276800"))

	assert.True(t, Fits(models.KindInteger, "42"))
	assert.False(t, Fits(models.KindInteger, "42.5"))
	assert.True(t, Fits(models.KindFloat, "42.5"))
	assert.True(t, Fits(models.KindBoolean, "yes"))
	assert.False(t, Fits(models.KindBoolean, "maybe"))
	assert.True(t, Fits(models.KindString, "anything at all"))
}

func TestInferNarrowestKind(t *testing.T) {
	assert.Equal(t, models.KindInteger, Infer("42"))
	assert.Equal(t, models.KindFloat, Infer("42.5"))
	assert.Equal(t, models.KindBoolean, Infer("true"))
	assert.Equal(t, models.KindTimestamp, Infer("2024-01-15"))
	assert.Equal(t, models.KindTimestamp, Infer("15/01/2024"))
	assert.Equal(t, models.KindString, Infer("hello"))
}

func TestCanonicalValueIsAFixedPoint(t *testing.T) {
	tests := []struct {
		kind models.ColumnKind
		raw  string
		want string
	}{
		{models.KindInteger, "007", "7"},
		{models.KindFloat, "1e+06", "1e+06"},
		{models.KindFloat, "1000000", "1e+06"},
		{models.KindBoolean, "Yes", "true"},
		{models.KindBoolean, "0", "false"},
		{models.KindDate, "15/01/2024", "2024-01-15"},
		{models.KindString, "  spaced  ", "  spaced  "},
	}
	for _, tc := range tests {
		got, ok := CanonicalValue(tc.kind, tc.raw)
		require.True(t, ok, "CanonicalValue(%s, %q)", tc.kind, tc.raw)
		assert.Equal(t, tc.want, got)

		// Canonicalizing a canonical form must change nothing.
		again, ok := CanonicalValue(tc.kind, got)
		require.True(t, ok)
		assert.Equal(t, got, again, "canonical form of %q is not a fixed point", tc.raw)
	}
}

func TestCanonicalValueRejectsUnparsable(t *testing.T) {
	_, ok := CanonicalValue(models.KindInteger, "forty-two")
	assert.False(t, ok)
	_, ok = CanonicalValue(models.KindDate, "not-a-date")
	assert.False(t, ok)
}

func TestCanonicalTimestampIsUTC(t *testing.T) {
	parsed, _, ok := Date("2024-01-15T09:30:00+02:00")
	require.True(t, ok)
	assert.Equal(t, "2024-01-15T07:30:00Z", Canonical(parsed, models.KindTimestamp))
	assert.Equal(t, "2024-01-15", Canonical(parsed.UTC(), models.KindDate))
}
