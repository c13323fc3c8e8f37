// Package parse holds the typed-parse attempts shared by the profiler and
// cleaner. The profiler never trusts a declared schema label: a column's
// actual type is whatever its values parse as. Date parsing tries
// ISO-8601, then locale day-first, then epoch-numeric, in that order.
package parse

import (
	"strconv"
	"strings"
	"time"

	"github.com/sluicedev/sluice/internal/models"
)

// DateStyle records which parse family accepted a date value.
type DateStyle string

const (
	StyleISO      DateStyle = "iso8601"
	StyleDayFirst DateStyle = "day_first"
	StyleEpoch    DateStyle = "epoch"
)

// CanonicalDateLayout is the canonical form for date-kind columns.
const CanonicalDateLayout = "2006-01-02"

var isoLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var dayFirstLayouts = []string{
	"02/01/2006 15:04:05",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
}

// ISODate parses raw against the ISO-8601 layout family only.
func ISODate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Date parses raw as a calendar value, trying ISO-8601, locale day-first,
// then epoch seconds (or milliseconds for large magnitudes).
func Date(raw string) (time.Time, DateStyle, bool) {
	raw = strings.TrimSpace(raw)
	if t, ok := ISODate(raw); ok {
		return t, StyleISO, true
	}
	for _, layout := range dayFirstLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, StyleDayFirst, true
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), StyleEpoch, true
		}
		return time.Unix(n, 0).UTC(), StyleEpoch, true
	}
	return time.Time{}, "", false
}

// Integer parses raw as a base-10 integer.
func Integer(raw string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	return n, err == nil
}

// Float parses raw as a floating point number.
func Float(raw string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	return f, err == nil
}

// Boolean parses the usual textual boolean spellings.
func Boolean(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}

// Fits reports whether raw satisfies the declared kind's strict parse.
// For date-like kinds strict means ISO-8601: a day-first value is typed
// wrong even though the cleaner can recover it.
func Fits(kind models.ColumnKind, raw string) bool {
	switch kind {
	case models.KindInteger:
		_, ok := Integer(raw)
		return ok
	case models.KindFloat:
		_, ok := Float(raw)
		return ok
	case models.KindBoolean:
		_, ok := Boolean(raw)
		return ok
	case models.KindDate, models.KindTimestamp:
		_, ok := ISODate(raw)
		return ok
	default:
		return true
	}
}

// Infer returns the narrowest kind the value parses as. Order matters:
// integer before float, date families before string.
func Infer(raw string) models.ColumnKind {
	if _, ok := Integer(raw); ok {
		return models.KindInteger
	}
	if _, ok := Float(raw); ok {
		return models.KindFloat
	}
	if _, ok := Boolean(raw); ok {
		return models.KindBoolean
	}
	if _, ok := ISODate(raw); ok {
		return models.KindTimestamp
	}
	if _, style, ok := Date(raw); ok && style == StyleDayFirst {
		return models.KindTimestamp
	}
	return models.KindString
}

// Canonical renders a parsed calendar value in the canonical form for the
// column kind. Canonical forms are fixed points of the cleaning rules.
func Canonical(t time.Time, kind models.ColumnKind) string {
	if kind == models.KindDate {
		return t.Format(CanonicalDateLayout)
	}
	return t.UTC().Format(time.RFC3339)
}

// CanonicalValue renders raw in the canonical text form for the kind, or
// reports that it does not parse. Engines render the same stored value in
// different textual forms ("1e+06" vs "1000000"); hashing canonical forms
// keeps write-and-verify round trips representation-independent.
func CanonicalValue(kind models.ColumnKind, raw string) (string, bool) {
	switch kind {
	case models.KindInteger:
		n, ok := Integer(raw)
		if !ok {
			return "", false
		}
		return strconv.FormatInt(n, 10), true
	case models.KindFloat:
		f, ok := Float(raw)
		if !ok {
			return "", false
		}
		return strconv.FormatFloat(f, 'g', -1, 64), true
	case models.KindBoolean:
		b, ok := Boolean(raw)
		if !ok {
			return "", false
		}
		return strconv.FormatBool(b), true
	case models.KindDate, models.KindTimestamp:
		t, _, ok := Date(raw)
		if !ok {
			return "", false
		}
		return Canonical(t, kind), true
	default:
		return raw, true
	}
}
