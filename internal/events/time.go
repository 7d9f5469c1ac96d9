package events

import (
	"fmt"
	"strconv"
	"time"
)

// TimeLayout is RFC 3339 with a fixed six-digit fractional second.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Time is a timestamp that always travels with microsecond precision.
type Time struct {
	time.Time
}

// At truncates t to microseconds so encode/decode is lossless.
func At(t time.Time) Time {
	return Time{Time: t.Truncate(time.Microsecond)}
}

func (t Time) String() string {
	return t.Format(TimeLayout)
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(t.Format(TimeLayout))), nil
}

func (t *Time) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	s, err := strconv.Unquote(string(b))
	if err != nil {
		return fmt.Errorf("timestamp must be a JSON string: %w", err)
	}
	parsed, err := time.Parse(TimeLayout, s)
	if err != nil {
		// Accept any RFC 3339 precision from other producers.
		if parsed, err = time.Parse(time.RFC3339Nano, s); err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	t.Time = parsed
	return nil
}
