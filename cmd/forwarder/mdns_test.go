package main

import "testing"

func TestDiagnosticsPort(t *testing.T) {
	cases := map[string]int{
		"":        0,
		":9100":   9100,
		"bad":     0,
		"1.2.3.4": 0,
	}
	for addr, want := range cases {
		if got := diagnosticsPort(addr); got != want {
			t.Errorf("diagnosticsPort(%q) = %d, want %d", addr, got, want)
		}
	}
}
