package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks credentials before log lines reach a sink.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor returns a redactor covering provider keys, bearer tokens
// and credentials embedded in connection strings.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),
			regexp.MustCompile(`redis://[^:@/\s]*:[^@\s]+@`),
			regexp.MustCompile(`(?i)(api_key|password|secret)["\s:=]+[^\s",}]+`),
		},
	}
}

// AddPattern registers an extra expression to mask.
func (r *Redactor) AddPattern(expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact applies every pattern to s.
func (r *Redactor) Redact(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts before forwarding to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{next: w, r: r}
}

type redactingWriter struct {
	next io.Writer
	r    *Redactor
}

// Write reports len(p) on success so zerolog does not treat shortened
// output as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.next.Write([]byte(w.r.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
