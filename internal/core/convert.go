package core

// convert.go provides value normalization and PostgreSQL type conversion for
// scraped record fields.
//
// Portal exports are messy: dates arrive in several layouts, identifiers carry
// stray whitespace or non-breaking spaces, and the same category is written with
// different casing. All ToPg* functions return pgtype values with Valid=false for
// empty/invalid input so the database stores NULL.

import (
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5/pgtype"
	"golang.org/x/text/unicode/norm"
)

// DateLayouts are the date formats the portals are known to emit, tried in order.
var DateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006-01-02 15:04:05",
}

// ParseDate parses s using the known layouts. RFC 3339 timestamps are also accepted
// since some scraper versions serialize full timestamps.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range DateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// NormalizeDate returns the ISO date (YYYY-MM-DD) for parseable input and the
// folded input otherwise.
func NormalizeDate(s string) string {
	if t, ok := ParseDate(s); ok {
		return t.Format("2006-01-02")
	}
	return FoldValue(s)
}

// CleanValue removes common scraping artifacts from a field value:
//   - Trims whitespace, including non-breaking spaces
//   - Collapses internal runs of whitespace to a single space
//   - Removes surrounding quotes
func CleanValue(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}

// FoldValue cleans s and folds it for identity comparisons: lower case with
// accents removed, so "Petición" and "PETICION" compare equal.
func FoldValue(s string) string {
	s = CleanValue(s)
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// DigitsOnly strips everything except ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = CleanValue(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate converts a string to pgtype.Date using the known layouts.
func ToPgDate(s string) pgtype.Date {
	t, ok := ParseDate(s)
	if !ok {
		return pgtype.Date{Valid: false}
	}
	return pgtype.Date{Time: t, Valid: true}
}

// ToPgTimestamptz converts a time to pgtype.Timestamptz.
// Returns invalid for the zero time.
func ToPgTimestamptz(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t, Valid: true}
}
