package resolver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestResolveLiterals(t *testing.T) {
	r := New()
	cases := map[string]string{
		"":           "0.0.0.0",
		"0.0.0.0":    "0.0.0.0",
		"127.0.0.1":  "127.0.0.1",
		"10.1.2.3":   "10.1.2.3",
		"localhost":  "127.0.0.1",
		"LOCALHOST":  "127.0.0.1",
		" 127.0.0.1": "127.0.0.1",
	}
	for in, want := range cases {
		got, err := r.Resolve(context.Background(), in)
		if err != nil {
			t.Fatalf("Resolve(%q) failed: %v", in, err)
		}
		if got != want {
			t.Fatalf("Resolve(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveHostsFile(t *testing.T) {
	dir := t.TempDir()
	hosts := writeFile(t, dir, "hosts", "# comment\n10.9.8.7 myapp.internal alias.internal\n::1 sixonly.internal\n")

	r := New()
	r.HostsFile = hosts
	r.ResolvConf = filepath.Join(dir, "missing-resolv.conf")

	got, err := r.Resolve(context.Background(), "myapp.internal")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != "10.9.8.7" {
		t.Fatalf("expected 10.9.8.7, got %q", got)
	}

	got, err = r.Resolve(context.Background(), "ALIAS.internal")
	if err != nil || got != "10.9.8.7" {
		t.Fatalf("alias lookup failed: %q, %v", got, err)
	}
}

func TestResolveFailureWrapsSentinel(t *testing.T) {
	dir := t.TempDir()
	r := New()
	r.HostsFile = filepath.Join(dir, "hosts")
	r.ResolvConf = filepath.Join(dir, "resolv.conf")

	_, err := r.Resolve(context.Background(), "nosuchname.invalid")
	if err == nil {
		t.Fatal("expected resolution failure")
	}
	if !errors.Is(err, ErrResolution) {
		t.Fatalf("expected ErrResolution, got %v", err)
	}
}

func TestResolveIPv6LiteralPassesThrough(t *testing.T) {
	r := New()
	got, err := r.Resolve(context.Background(), "::1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != "::1" {
		t.Fatalf("expected ::1, got %q", got)
	}
}
