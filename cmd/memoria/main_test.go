package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionSkipsConfig(t *testing.T) {
	t.Setenv("MAX_CONVERSATION_HISTORY", "not-a-number")
	out, err := runCLI(t, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("version output = %q, want %q", out, version)
	}
}

func TestUserCommands(t *testing.T) {
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "memoria.db"))
	t.Setenv("BCRYPT_COST", "4")
	t.Setenv("APP_LOG_LEVEL", "error")

	out, err := runCLI(t, "user", "create", "--email", "A@X.com", "--password", "pw1")
	if err != nil {
		t.Fatalf("user create error = %v (%s)", err, out)
	}
	if !strings.Contains(out, "created user a@x.com") {
		t.Fatalf("user create output = %q, want normalized email", out)
	}

	if _, err := runCLI(t, "user", "create", "--email", "a@x.com", "--password", "pw2"); err == nil {
		t.Fatalf("duplicate user create succeeded")
	}

	out, err = runCLI(t, "user", "disable", "--email", "a@x.com")
	if err != nil {
		t.Fatalf("user disable error = %v (%s)", err, out)
	}
	if !strings.Contains(out, "active=false") {
		t.Fatalf("user disable output = %q, want active=false", out)
	}

	if _, err := runCLI(t, "user", "enable", "--email", "nobody@x.com"); err == nil {
		t.Fatalf("enable of unknown user succeeded")
	}
}

func TestInvalidConfigFails(t *testing.T) {
	t.Setenv("MAX_CONVERSATION_HISTORY", "0")
	if _, err := runCLI(t, "user", "enable", "--email", "a@x.com"); err == nil {
		t.Fatalf("expected config validation error")
	}
}
