package conversation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrBadTimestamp is returned for a timestamp that is present but cannot be
// interpreted. Parsers skip the message and count it.
var ErrBadTimestamp = errors.New("unparseable timestamp")

// epoch values above this are milliseconds (year 2286 in seconds).
const millisThreshold = 1e10

// numeric strings below this (1973-03-03) are not read as epoch seconds, so
// "2024" is a year rather than 1970-01-01T00:33:44Z.
const minEpochString = 1e8

var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
	"2006-01",
	"2006",
}

// ParseTimestamp interprets epoch seconds, epoch milliseconds (integer or
// float, as number or numeric string) and ISO-8601 strings. Absent values
// (nil, empty string, empty raw JSON, JSON null, zero) return the zero time
// and no error. Numeric strings under 1e8 are tried as dates instead.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case float64:
		return fromEpoch(t)
	case float32:
		return fromEpoch(float64(t))
	case int:
		return fromEpoch(float64(t))
	case int64:
		return fromEpoch(float64(t))
	case json.Number:
		return ParseTimestamp(t.String())
	case json.RawMessage:
		if len(bytes.TrimSpace(t)) == 0 {
			return time.Time{}, nil
		}
		var decoded any
		dec := json.NewDecoder(strings.NewReader(string(t)))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, err)
		}
		return ParseTimestamp(decoded)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && (f == 0 || math.Abs(f) >= minEpochString) {
			return fromEpoch(f)
		}
		for _, layout := range layouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	default:
		return time.Time{}, fmt.Errorf("%w: unexpected type %T", ErrBadTimestamp, v)
	}
}

func fromEpoch(f float64) (time.Time, error) {
	if f == 0 {
		return time.Time{}, nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, f)
	}
	if f > millisThreshold {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3).UTC(), nil
}
