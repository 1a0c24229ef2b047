package status

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp is a UTC wall-clock instant in the wire format used on the bus:
// a 7-tuple [year, month, day, hour, minute, second, microsecond].
type Timestamp [7]int

// Now returns the current UTC time as a Timestamp.
func Now() Timestamp {
	return At(time.Now())
}

// At converts a time.Time to the wire representation. The value is always
// normalized to UTC first.
func At(t time.Time) Timestamp {
	t = t.UTC()
	return Timestamp{
		t.Year(), int(t.Month()), t.Day(),
		t.Hour(), t.Minute(), t.Second(),
		t.Nanosecond() / 1000,
	}
}

// Time converts the wire representation back to a time.Time in UTC.
func (ts Timestamp) Time() time.Time {
	return time.Date(ts[0], time.Month(ts[1]), ts[2], ts[3], ts[4], ts[5], ts[6]*1000, time.UTC)
}

// IsZero reports whether the timestamp carries no value.
func (ts Timestamp) IsZero() bool {
	return ts == Timestamp{}
}

// MarshalJSON encodes the timestamp as a JSON array of seven integers.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal([7]int(ts))
}

// UnmarshalJSON decodes a JSON array of seven integers.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var parts []int
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 7 {
		return fmt.Errorf("timestamp must have 7 elements, got %d", len(parts))
	}
	copy(ts[:], parts)
	return nil
}
