package management

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAuthenticatorEmptyPathDisablesAuth(t *testing.T) {
	a, err := LoadAuthenticator("")
	if err != nil {
		t.Fatalf("LoadAuthenticator(\"\"): %v", err)
	}
	if a != nil {
		t.Fatalf("expected a nil Authenticator when no token file is configured")
	}
	if !a.Check("anything") {
		t.Fatalf("a nil Authenticator must accept every token")
	}
}

func TestAuthenticatorChecksToken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	if err := os.WriteFile(path, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}

	a, err := LoadAuthenticator(path)
	if err != nil {
		t.Fatalf("LoadAuthenticator: %v", err)
	}
	if a == nil {
		t.Fatalf("expected a non-nil Authenticator")
	}
	if !a.Check("s3cret") {
		t.Fatalf("correct token should authenticate")
	}
	if a.Check("wrong") {
		t.Fatalf("incorrect token should not authenticate")
	}
	if a.Check("") {
		t.Fatalf("empty token should not authenticate when a file is configured")
	}
}

func TestLoadAuthenticatorEmptyFileErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty")
	if err := os.WriteFile(path, []byte("\n\n"), 0o600); err != nil {
		t.Fatalf("write token file: %v", err)
	}
	if _, err := LoadAuthenticator(path); err == nil {
		t.Fatalf("expected an error for a token file with no non-blank line")
	}
}
