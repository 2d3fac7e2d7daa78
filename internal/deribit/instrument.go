package deribit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptionKind discriminates calls from puts.
type OptionKind string

const (
	Call OptionKind = "C"
	Put  OptionKind = "P"
)

// Instrument is a parsed option instrument name such as BTC-24MAY25-60000-P:
// currency, expiry date (settlement at 08:00 UTC), integer strike in quote
// currency units, and call/put kind.
type Instrument struct {
	Name     string
	Currency string
	Expiry   time.Time
	Strike   float64
	Kind     OptionKind
}

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March,
	"APR": time.April, "MAY": time.May, "JUN": time.June,
	"JUL": time.July, "AUG": time.August, "SEP": time.September,
	"OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// ParseInstrument parses <CCY>-<DDMMMYY>-<STRIKE>-<C|P>.
func ParseInstrument(name string) (Instrument, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 4 {
		return Instrument{}, fmt.Errorf("instrument %q: want 4 dash-separated fields, got %d", name, len(parts))
	}

	expiry, err := parseExpiry(parts[1])
	if err != nil {
		return Instrument{}, fmt.Errorf("instrument %q: %w", name, err)
	}

	strike, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Instrument{}, fmt.Errorf("instrument %q: bad strike %q", name, parts[2])
	}

	var kind OptionKind
	switch parts[3] {
	case "C":
		kind = Call
	case "P":
		kind = Put
	default:
		return Instrument{}, fmt.Errorf("instrument %q: bad option kind %q", name, parts[3])
	}

	return Instrument{
		Name:     name,
		Currency: parts[0],
		Expiry:   expiry,
		Strike:   strike,
		Kind:     kind,
	}, nil
}

// parseExpiry parses DDMMMYY (day 1-2 digits, uppercase month, 2-digit year)
// into 08:00 UTC settlement time on that date.
func parseExpiry(s string) (time.Time, error) {
	if len(s) != 6 && len(s) != 7 {
		return time.Time{}, fmt.Errorf("bad expiry %q", s)
	}

	dayDigits := len(s) - 5
	day, err := strconv.Atoi(s[:dayDigits])
	if err != nil || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("bad expiry day in %q", s)
	}

	month, ok := months[s[dayDigits:dayDigits+3]]
	if !ok {
		return time.Time{}, fmt.Errorf("bad expiry month in %q", s)
	}

	year, err := strconv.Atoi(s[dayDigits+3:])
	if err != nil {
		return time.Time{}, fmt.Errorf("bad expiry year in %q", s)
	}

	return time.Date(2000+year, month, day, 8, 0, 0, 0, time.UTC), nil
}
