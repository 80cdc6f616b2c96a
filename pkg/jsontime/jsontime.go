// Package jsontime provides JSON-serializable time types used on the wire
// and in configuration files.
package jsontime

import (
	"encoding/json"
	"time"
)

// Milli is a time.Time that serializes to/from Unix milliseconds in JSON.
// Perception and speech events carry capture timestamps as Milli so that
// ordering decisions use the capture clock, not arrival order.
type Milli time.Time

// Now returns the current time as Milli.
func Now() Milli {
	return Milli(time.Now())
}

// Time returns the underlying time.Time value.
func (m Milli) Time() time.Time {
	return time.Time(m)
}

// IsZero reports whether m represents the zero time instant.
func (m Milli) IsZero() bool {
	return time.Time(m).IsZero()
}

// Before reports whether m is before t.
func (m Milli) Before(t Milli) bool {
	return time.Time(m).Before(time.Time(t))
}

// After reports whether m is after t.
func (m Milli) After(t Milli) bool {
	return time.Time(m).After(time.Time(t))
}

// Sub returns the duration m-t.
func (m Milli) Sub(t Milli) time.Duration {
	return time.Time(m).Sub(time.Time(t))
}

// String returns the time formatted as a string.
func (m Milli) String() string {
	return time.Time(m).String()
}

// MarshalJSON implements json.Marshaler.
func (m Milli) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(m).UnixMilli())
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Milli) UnmarshalJSON(b []byte) error {
	var t int64
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*m = Milli(time.UnixMilli(t))
	return nil
}

// Duration is a time.Duration that serializes to/from a string or int64.
// When marshaling it outputs the duration string (e.g. "1h30m"). When
// unmarshaling it accepts either a string or an int64 in nanoseconds.
// Config files use it for timeouts and windows.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) >= 2 && b[0] == '"' && b[len(b)-1] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		dur, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(dur)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = Duration(time.Duration(n))
	return nil
}

// Duration returns the underlying time.Duration value. Returns 0 if d is nil.
func (d *Duration) Duration() time.Duration {
	if d == nil {
		return 0
	}
	return time.Duration(*d)
}

// Or returns the underlying duration, or def when d is zero.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}
