package cost

import (
	"testing"
)

func TestCalculate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    string
		in, out int
		wantMin float64
		wantMax float64
	}{
		{
			name: "balanced zero tokens",
			mode: "balanced",
			in:   0, out: 0,
			wantMin: 0, wantMax: 0,
		},
		{
			name: "balanced 1M input 1M output",
			mode: "balanced",
			in:   1_000_000, out: 1_000_000,
			wantMin: 18.0, wantMax: 18.0, // $3 + $15
		},
		{
			name: "fast 1M input 1M output",
			mode: "fast",
			in:   1_000_000, out: 1_000_000,
			wantMin: 1.5, wantMax: 1.5, // $0.25 + $1.25
		},
		{
			name: "quality 1M input 1M output",
			mode: "quality",
			in:   1_000_000, out: 1_000_000,
			wantMin: 90.0, wantMax: 90.0, // $15 + $75
		},
		{
			name: "unknown mode",
			mode: "turbo",
			in:   1_000_000, out: 1_000_000,
			wantMin: 0, wantMax: 0,
		},
		{
			name: "balanced small tokens",
			mode: "balanced",
			in:   45230, out: 12890,
			wantMin: 0.32, wantMax: 0.34,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Calculate(tc.mode, tc.in, tc.out)
			if got < tc.wantMin || got > tc.wantMax {
				t.Errorf("Calculate(%q, %d, %d) = %f, want [%f, %f]",
					tc.mode, tc.in, tc.out, got, tc.wantMin, tc.wantMax)
			}
		})
	}
}

func TestFormatUSD(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input float64
		want  string
	}{
		{0, "$0.00"},
		{0.42, "$0.42"},
		{1.234, "$1.23"},
		{100.5, "$100.50"},
	}

	for _, tc := range tests {
		got := FormatUSD(tc.input)
		if got != tc.want {
			t.Errorf("FormatUSD(%f) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestFormatRate(t *testing.T) {
	t.Parallel()

	got := FormatRate("balanced")
	if got != "$3.00/$15.00 per 1M tokens" {
		t.Errorf("FormatRate(balanced) = %q", got)
	}

	got = FormatRate("unknown")
	if got != "unknown pricing" {
		t.Errorf("FormatRate(unknown) = %q", got)
	}
}
