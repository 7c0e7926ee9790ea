package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a keystore passphrase from an environment variable or an
// interactive prompt, caching the first answer.
type Source struct {
	envVar string
	label  string

	lookupEnv func(string) (string, bool)
	prompt    func(label string) (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource returns a source that reads envVar before prompting for the
// passphrase of the keystore described by label.
func NewSource(envVar, label string) *Source {
	if strings.TrimSpace(label) == "" {
		label = "keystore"
	}
	return &Source{
		envVar:    strings.TrimSpace(envVar),
		label:     label,
		lookupEnv: os.LookupEnv,
		prompt:    terminalPrompt(os.Stdin, os.Stderr),
	}
}

// WithLookup replaces the environment lookup. It must be called before Get.
func (s *Source) WithLookup(lookupEnv func(string) (string, bool)) *Source {
	if lookupEnv != nil {
		s.lookupEnv = lookupEnv
	}
	return s
}

// Get returns the passphrase. Set-but-blank env values and blank answers are
// rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		value, err := s.prompt(s.label)
		if err != nil {
			if errors.Is(err, errNoTerminal) && s.envVar != "" {
				s.err = fmt.Errorf("%s passphrase required; set %s or run interactively", s.label, s.envVar)
				return
			}
			s.err = err
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = fmt.Errorf("%s passphrase cannot be empty", s.label)
			return
		}
		s.value = value
	})

	return s.value, s.err
}

// Confirm prompts twice and requires matching answers. It is used when a new
// keystore is written; the env variable, when set, is taken as is.
func (s *Source) Confirm() (string, error) {
	first, err := s.Get()
	if err != nil {
		return "", err
	}
	if s.envVar != "" {
		if _, ok := s.lookupEnv(s.envVar); ok {
			return first, nil
		}
	}
	second, err := s.prompt("confirm " + s.label)
	if err != nil {
		return "", err
	}
	if second != first {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

var errNoTerminal = errors.New("passphrase required and no terminal available")

func terminalPrompt(in *os.File, out io.Writer) func(string) (string, error) {
	return func(label string) (string, error) {
		if !term.IsTerminal(int(in.Fd())) {
			return "", errNoTerminal
		}
		fmt.Fprintf(out, "Enter %s passphrase: ", label)
		bytes, err := term.ReadPassword(int(in.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		return string(bytes), nil
	}
}
