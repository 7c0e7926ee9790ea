package passphrase

import (
	"strings"
	"testing"
)

func fixedSource(env map[string]string, answers ...string) *Source {
	s := NewSource("MC_ADMIN_PASS", "admin keystore")
	s.lookupEnv = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.prompt = func(string) (string, error) {
		if len(answers) == 0 {
			return "", errNoTerminal
		}
		next := answers[0]
		answers = answers[1:]
		return next, nil
	}
	return s
}

func TestGetPrefersEnvironment(t *testing.T) {
	s := fixedSource(map[string]string{"MC_ADMIN_PASS": "from-env"}, "prompted")
	got, err := s.Get()
	if err != nil || got != "from-env" {
		t.Fatalf("Get() = %q, %v", got, err)
	}
}

func TestGetRejectsBlankValues(t *testing.T) {
	if _, err := fixedSource(map[string]string{"MC_ADMIN_PASS": "  "}).Get(); err == nil {
		t.Fatalf("expected blank env error")
	}
	if _, err := fixedSource(nil, " ").Get(); err == nil || !strings.Contains(err.Error(), "cannot be empty") {
		t.Fatalf("expected blank prompt error, got %v", err)
	}
}

func TestGetWithoutTerminalNamesEnvVar(t *testing.T) {
	_, err := fixedSource(nil).Get()
	if err == nil || !strings.Contains(err.Error(), "MC_ADMIN_PASS") {
		t.Fatalf("expected hint about MC_ADMIN_PASS, got %v", err)
	}
}

func TestGetCachesFirstAnswer(t *testing.T) {
	s := fixedSource(nil, "first", "second")
	if got, _ := s.Get(); got != "first" {
		t.Fatalf("unexpected first answer %q", got)
	}
	if got, _ := s.Get(); got != "first" {
		t.Fatalf("expected cached answer, got %q", got)
	}
}

func TestConfirmRequiresMatch(t *testing.T) {
	if got, err := fixedSource(nil, "pw", "pw").Confirm(); err != nil || got != "pw" {
		t.Fatalf("Confirm() = %q, %v", got, err)
	}
	if _, err := fixedSource(nil, "pw", "other").Confirm(); err == nil {
		t.Fatalf("expected mismatch error")
	}
}
