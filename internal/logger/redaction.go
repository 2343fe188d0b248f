package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// rule replaces matches of re with repl; repl may keep a leading group such
// as the field name
type rule struct {
	re   *regexp.Regexp
	repl []byte
}

func maskAll(pattern string) rule {
	return rule{re: regexp.MustCompile(pattern), repl: []byte(redacted)}
}

func maskValue(pattern string) rule {
	return rule{re: regexp.MustCompile(pattern), repl: []byte("${1}" + redacted)}
}

// Redactor masks credentials in log output
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor for provider keys, bearer tokens, the gateway
// secret and common secret fields
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			maskAll(`sk-ant-[a-zA-Z0-9_-]{20,}`),
			maskAll(`sk-[a-zA-Z0-9_-]{20,}`),
			maskValue(`(Bearer\s+)[a-zA-Z0-9._~+/=-]+`),
			maskValue(`(?i)(x-personakit-secret["\s:=]+)[^\s",]+`),
			maskValue(`(?i)(shared_secret["\s:=]+)[^\s",]+`),
			maskValue(`([?&]token=)[^&\s"]+`),
			maskValue(`(?i)(password["\s:=]+)[^\s",]+`),
			maskValue(`(?i)(api_key["\s:=]+)[^\s",]+`),
		},
	}
}

// AddPattern masks every match of pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: []byte(redacted)})
	return nil
}

// Redact masks s
func (r *Redactor) Redact(s string) string {
	return string(r.redact([]byte(s)))
}

func (r *Redactor) redact(p []byte) []byte {
	for _, rl := range r.rules {
		p = rl.re.ReplaceAll(p, rl.repl)
	}
	return p
}

// Wrap returns a writer that masks everything written to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{w: w, r: r}
}

type redactingWriter struct {
	w io.Writer
	r *Redactor
}

// Write reports len(p) so callers never see a short write for masked output
func (rw *redactingWriter) Write(p []byte) (int, error) {
	if _, err := rw.w.Write(rw.r.redact(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
