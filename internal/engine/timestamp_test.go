package engine

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseInstant(t *testing.T) {
	t.Parallel()
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024-05-01T10:00:00Z", want, true},
		{"2024-05-01T10:00:00+00:00", want, true},
		// The offset is discarded, not applied.
		{"2024-05-01T10:00:00+05:30", want, true},
		{"2024-05-01T10:00:00", want, true},
		{"2024-05-01 10:00:00", want, true},
		{"2024-05-01T10:00", want, true},
		{"2024-05-01T10:00:00.250Z", want.Add(250 * time.Millisecond), true},
		{"2024-05-01", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), true},
		{"yesterday", time.Time{}, false},
		{"", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseInstant(tt.in).Time()
		if ok != tt.ok || !got.Equal(tt.want) {
			t.Errorf("ParseInstant(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestInstantFallback(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))

	bad := ParseInstant("not a date")
	if !bad.Present() {
		t.Fatal("unparseable input should still be present")
	}
	if got := bad.Or(now); !got.Equal(time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("Or = %v, want now in UTC", got)
	}
	if (Instant{}).Present() {
		t.Fatal("zero Instant should be absent")
	}

	at := At(time.Date(2024, 5, 1, 9, 30, 0, 0, time.FixedZone("Y", -7200)))
	if got, _ := at.Time(); !got.Equal(time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)) {
		t.Fatalf("At kept the offset: %v", got)
	}
}

func TestInstantJSON(t *testing.T) {
	t.Parallel()
	var v struct {
		A Instant `json:"a"`
		B Instant `json:"b"`
		C Instant `json:"c"`
		D Instant `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"a":"2024-05-01T10:00:00Z","b":null,"c":12345,"d":"soon"}`), &v); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := v.A.Time(); !ok {
		t.Fatal("a should parse")
	}
	if v.B.Present() {
		t.Fatal("b should be absent")
	}
	if _, ok := v.C.Time(); ok || !v.C.Present() {
		t.Fatal("c should be present but unparsed")
	}
	if v.D.Raw() != "soon" {
		t.Fatalf("d raw = %q", v.D.Raw())
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"a":"2024-05-01T10:00:00","b":null,"c":"12345","d":"soon"}`
	if string(out) != want {
		t.Fatalf("Marshal = %s, want %s", out, want)
	}
}
