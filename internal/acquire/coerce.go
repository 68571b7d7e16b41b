package acquire

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/tidwall/gjson"
)

// intField reads a count or money value. Strings drop everything but digits
// and the decimal point, so "$1,250,000" is 1250000 and "$4,321.50" is 4321.
// Fractions are truncated for strings and numbers alike. Missing, null and
// empty values are nil.
func intField(r gjson.Result) *int64 {
	f := floatField(r)
	if f == nil {
		return nil
	}
	v := int64(*f)
	return &v
}

// floatField reads a possibly fractional count such as baths.
func floatField(r gjson.Result) *float64 {
	switch r.Type {
	case gjson.Number:
		v := r.Float()
		return &v
	case gjson.String:
		cleaned := strings.Map(func(c rune) rune {
			if unicode.IsDigit(c) || c == '.' {
				return c
			}
			return -1
		}, r.Str)
		if cleaned == "" {
			return nil
		}
		v, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil
		}
		return &v
	default:
		return nil
	}
}

func yearField(r gjson.Result) *int {
	v := intField(r)
	if v == nil || *v <= 0 {
		return nil
	}
	y := int(*v)
	return &y
}

func textField(r gjson.Result) *string {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	s := strings.TrimSpace(r.String())
	if s == "" {
		return nil
	}
	return &s
}

// dateField accepts an ISO date string or an epoch-millisecond number and
// returns YYYY-MM-DD.
func dateField(r gjson.Result) *string {
	switch r.Type {
	case gjson.Number:
		ms := r.Int()
		if ms <= 0 {
			return nil
		}
		s := time.UnixMilli(ms).UTC().Format(time.DateOnly)
		return &s
	default:
		return textField(r)
	}
}

// firstOf returns the first result that exists and is not null.
func firstOf(results ...gjson.Result) gjson.Result {
	for _, r := range results {
		if r.Exists() && r.Type != gjson.Null {
			return r
		}
	}
	return gjson.Result{}
}
