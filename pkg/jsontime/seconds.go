package jsontime

import (
	"encoding/json"
	"math"
	"time"
)

// Seconds is a time.Time that serializes to/from fractional Unix seconds in
// JSON. Recognizer gateways timestamp events this way (e.g. 1756100000.25).
type Seconds time.Time

// NowSeconds returns the current time as Seconds.
func NowSeconds() Seconds {
	return Seconds(time.Now())
}

// FromUnixSeconds converts fractional Unix seconds to Seconds.
func FromUnixSeconds(sec float64) Seconds {
	s, frac := math.Modf(sec)
	return Seconds(time.Unix(int64(s), int64(frac*float64(time.Second))))
}

// Time returns the underlying time.Time value.
func (s Seconds) Time() time.Time {
	return time.Time(s)
}

// Unix returns the time as fractional Unix seconds.
func (s Seconds) Unix() float64 {
	t := time.Time(s)
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// Before reports whether s is before t.
func (s Seconds) Before(t Seconds) bool {
	return time.Time(s).Before(time.Time(t))
}

// Equal reports whether s and t represent the same time instant.
func (s Seconds) Equal(t Seconds) bool {
	return time.Time(s).Equal(time.Time(t))
}

// IsZero reports whether s represents the zero time instant.
func (s Seconds) IsZero() bool {
	return time.Time(s).IsZero()
}

// String returns the time formatted as a string.
func (s Seconds) String() string {
	return time.Time(s).String()
}

// MarshalJSON implements json.Marshaler.
func (s Seconds) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Unix())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Seconds) UnmarshalJSON(b []byte) error {
	var sec float64
	if err := json.Unmarshal(b, &sec); err != nil {
		return err
	}
	*s = FromUnixSeconds(sec)
	return nil
}
