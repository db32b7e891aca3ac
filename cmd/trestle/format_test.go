package main

import (
	"testing"
	"time"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		arg     string
		want    uint
		wantErr bool
	}{
		{arg: "1", want: 1},
		{arg: "42", want: 42},
		{arg: "0", wantErr: true},
		{arg: "-3", wantErr: true},
		{arg: "abc", wantErr: true},
		{arg: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseID(tt.arg)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseID(%q) = %d, want error", tt.arg, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseID(%q): %v", tt.arg, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseID(%q) = %d, want %d", tt.arg, got, tt.want)
		}
	}
}

func TestFormatAge(t *testing.T) {
	now := time.Now()
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{ago: 10 * time.Second, want: "10s"},
		{ago: 5 * time.Minute, want: "5m"},
		{ago: 3 * time.Hour, want: "3h"},
		{ago: 49 * time.Hour, want: "2d"},
	}

	for _, tt := range tests {
		got := formatAge(now.Add(-tt.ago))
		if got != tt.want {
			t.Errorf("formatAge(-%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}
