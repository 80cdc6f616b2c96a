package jsontime

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMilliRoundTrip(t *testing.T) {
	want := time.UnixMilli(1724400000123)
	b, err := json.Marshal(Milli(want))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "1724400000123" {
		t.Fatalf("marshal = %s, want 1724400000123", b)
	}

	var got Milli
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.Time().Equal(want) {
		t.Fatalf("round trip = %v, want %v", got.Time(), want)
	}
}

func TestMilliOrdering(t *testing.T) {
	a := Milli(time.UnixMilli(1000))
	b := Milli(time.UnixMilli(2000))
	if !a.Before(b) || b.Before(a) {
		t.Fatalf("Before is wrong: a=%v b=%v", a, b)
	}
	if !b.After(a) {
		t.Fatalf("After is wrong: a=%v b=%v", a, b)
	}
	if got := b.Sub(a); got != time.Second {
		t.Fatalf("Sub = %v, want 1s", got)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{`"500ms"`, 500 * time.Millisecond},
		{`"1h30m"`, 90 * time.Minute},
		{`1500000000`, 1500 * time.Millisecond},
		{`null`, 0},
	}
	for _, tt := range tests {
		var d Duration
		if err := json.Unmarshal([]byte(tt.in), &d); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if d.Duration() != tt.want {
			t.Fatalf("unmarshal %s = %v, want %v", tt.in, d.Duration(), tt.want)
		}
	}
}

func TestDurationOr(t *testing.T) {
	var zero Duration
	if got := zero.Or(time.Second); got != time.Second {
		t.Fatalf("Or on zero = %v, want 1s", got)
	}
	d := Duration(2 * time.Second)
	if got := d.Or(time.Second); got != 2*time.Second {
		t.Fatalf("Or on set = %v, want 2s", got)
	}
}
