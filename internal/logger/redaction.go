package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor scrubs credentials out of log lines before they reach an output.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor for provider keys, bearer tokens and
// connection strings.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`sk-(proj-|svcacct-)?[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
			regexp.MustCompile(`redis://[^\s"]*:[^\s"@]+@`),
			regexp.MustCompile(`(?i)api[_-]?key["\s:=]+[^\s",}]+`),
			regexp.MustCompile(`(?i)password["\s:=]+[^\s",}]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts every write before passing it on.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write caused
// by the substitution changing the length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
