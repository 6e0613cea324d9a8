package normalize

import (
	"bytes"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
)

var ErrUnparsable = errors.New("unparsable value")

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2006-01-02 15:04:05",
	"02/01/2006 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

var timeLayouts = []string{
	"15:04:05",
	"15:04",
}

// ParseDate accepts ISO dates, Brazilian day-first dates, and datetimes.
// When the value carries a time component it is returned separately as
// HH:MM:SS.
func ParseDate(value string) (time.Time, string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, "", ErrUnparsable
	}

	for _, layout := range dateLayouts {
		parsed, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		clock := ""
		if parsed.Hour() != 0 || parsed.Minute() != 0 || parsed.Second() != 0 {
			clock = parsed.Format("15:04:05")
		}
		day := time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
		return day, clock, nil
	}
	return time.Time{}, "", ErrUnparsable
}

// ParseTime accepts HH:MM[:SS] and normalizes to HH:MM:SS.
func ParseTime(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", ErrUnparsable
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.Format("15:04:05"), nil
		}
	}
	return "", ErrUnparsable
}

// ParseDecimal coerces a currency-ish string into a decimal. Symbols and
// spaces are stripped, then the rightmost of '.' and ',' is taken as the
// decimal separator; the other is a thousands separator. A bare repeated
// separator is thousands-only (1.000.000 -> 1000000).
func ParseDecimal(value string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || s == "-" {
		return decimal.Zero, ErrUnparsable
	}

	hasComma := strings.Contains(s, ",")
	hasDot := strings.Contains(s, ".")
	switch {
	case hasComma && hasDot:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.ReplaceAll(s, ",", ".")
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case hasComma:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ",", ".")
		}
	case hasDot && strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	return decimal.NewFromString(s)
}

// DecodeText keeps valid UTF-8 as is and otherwise reinterprets the bytes as
// Latin-1, which also covers ISO-8859-1 exports.
func DecodeText(raw []byte) []byte {
	raw = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(raw) {
		return raw
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return raw
	}
	return decoded
}
