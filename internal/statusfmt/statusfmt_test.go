package statusfmt

import (
	"testing"
	"time"
)

func TestUptime(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{45 * time.Minute, "45m"},
		{4*time.Hour + 23*time.Minute, "4h 23m"},
		{2*24*time.Hour + 5*time.Hour, "2d 5h"},
	}
	for _, c := range cases {
		if got := Uptime(c.in); got != c.want {
			t.Errorf("Uptime(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestCount(t *testing.T) {
	cases := []struct {
		in   int
		want string
	}{
		{0, "0"},
		{999, "999"},
		{1000, "1,000"},
		{200000, "200,000"},
		{1234567, "1,234,567"},
		{-4200, "-4,200"},
	}
	for _, c := range cases {
		if got := Count(c.in); got != c.want {
			t.Errorf("Count(%d) = %q, want %q", c.in, got, c.want)
		}
	}
}
