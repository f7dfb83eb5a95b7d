package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDuration_UnmarshalText(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5s", 5 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalText([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalText(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && d.Duration() != tt.want {
				t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, d.Duration(), tt.want)
			}
		})
	}
}

func TestSecret_Redacted(t *testing.T) {
	s := Secret("sk-live-123")

	if got := s.String(); got != "[REDACTED]" {
		t.Errorf("String() = %q", got)
	}
	if got := fmt.Sprintf("%v %#v", s, s); got != "[REDACTED] Secret([REDACTED])" {
		t.Errorf("formatted = %q", got)
	}
	b, err := json.Marshal(struct{ Key Secret }{s})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"Key":"[REDACTED]"}` {
		t.Errorf("json = %s", b)
	}
	if s.Value() != "sk-live-123" || !s.IsSet() {
		t.Errorf("Value() lost the secret")
	}
	if Secret("").String() != "" {
		t.Errorf("empty secret should print empty")
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := map[string]string{
		"~":                   home,
		"~/data/archivist.db": filepath.Join(home, "data", "archivist.db"),
		"/var/lib/../lib/x":   "/var/lib/x",
		"relative/./path":     "relative/path",
	}
	for in, want := range tests {
		got, err := ExpandPath(in)
		if err != nil {
			t.Fatalf("ExpandPath(%q) error = %v", in, err)
		}
		if got != want {
			t.Errorf("ExpandPath(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatal(err)
	}
}
