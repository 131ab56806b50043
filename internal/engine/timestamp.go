package engine

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Instant is an event timestamp as received. It may be absent, or present but unparseable;
// neither case is an error; callers resolve it against the processing instant.
//
// Parsed values are naive: any zone offset is discarded and the wall clock is kept, in UTC.
type Instant struct {
	t   time.Time
	ok  bool
	raw string
}

// instantLayouts are tried in order. Offsets go through Z07:00 after a trailing "Z" has been
// rewritten to "+00:00".
var instantLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// wireLayout is how resolved instants are rendered (naive, microsecond precision).
const wireLayout = "2006-01-02T15:04:05.999999"

// At wraps an already-parsed time. The zone is dropped, keeping the wall clock.
func At(t time.Time) Instant {
	if t.IsZero() {
		return Instant{}
	}
	return Instant{t: naive(t), ok: true}
}

// ParseInstant parses an ISO-8601 timestamp. Failures yield a present but unresolved Instant.
func ParseInstant(s string) Instant {
	s = strings.TrimSpace(s)
	if s == "" {
		return Instant{}
	}
	in := Instant{raw: s}
	v := s
	if strings.HasSuffix(v, "Z") || strings.HasSuffix(v, "z") {
		v = v[:len(v)-1] + "+00:00"
	}
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			in.t = naive(t)
			in.ok = true
			return in
		}
	}
	return in
}

func naive(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// Time returns the parsed value, if any.
func (i Instant) Time() (time.Time, bool) { return i.t, i.ok }

// Present reports whether a value was supplied at all (parsed or not).
func (i Instant) Present() bool { return i.ok || i.raw != "" }

// Raw returns the original text for string inputs.
func (i Instant) Raw() string { return i.raw }

// Or returns the parsed value, falling back to now (made naive) when absent or unparseable.
func (i Instant) Or(now time.Time) time.Time {
	if i.ok {
		return i.t
	}
	return naive(now.UTC())
}

func (i Instant) String() string {
	if i.ok {
		return FormatTime(i.t)
	}
	return i.raw
}

func (i Instant) MarshalJSON() ([]byte, error) {
	if !i.Present() {
		return []byte("null"), nil
	}
	return json.Marshal(i.String())
}

// UnmarshalJSON accepts a string or null. Any other JSON value is kept as present but
// unparseable, so decoding never fails on a bad timestamp.
func (i *Instant) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*i = Instant{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*i = Instant{raw: string(b)}
		return nil
	}
	*i = ParseInstant(s)
	return nil
}

// FormatTime renders a naive instant the way decisions report it.
func FormatTime(t time.Time) string {
	return naive(t).Format(wireLayout)
}
