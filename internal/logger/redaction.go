package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks platform credentials before they reach a log sink.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor covering the credential formats the bridge handles.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// LLM provider keys
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),

			// Telegram bot tokens, also inside API URLs (/bot<token>/)
			regexp.MustCompile(`\d{6,12}:[a-zA-Z0-9_-]{30,}`),

			// Discord bot tokens: base64 id . timestamp . hmac
			regexp.MustCompile(`[MNO][a-zA-Z0-9_-]{23,27}\.[a-zA-Z0-9_-]{6}\.[a-zA-Z0-9_-]{27,40}`),

			// Slack bot, user and app-level tokens
			regexp.MustCompile(`xox[abprs]-[a-zA-Z0-9-]{10,}`),
			regexp.MustCompile(`xapp-[a-zA-Z0-9-]{10,}`),

			// Matrix access tokens
			regexp.MustCompile(`syt_[a-zA-Z0-9_]+_[a-zA-Z0-9]+_[a-zA-Z0-9]+`),

			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`),
			regexp.MustCompile(`(?i)(access_token|api_key|token|secret)["\s:=]+[a-zA-Z0-9._-]{12,}`),
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

// Redact masks every match in s.
func (r *Redactor) Redact(s string) string {
	for _, p := range r.patterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts each write before forwarding it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{next: w, redactor: r}
}

type redactingWriter struct {
	next     io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat a shorter
// redacted line as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.next.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
