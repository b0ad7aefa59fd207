package wire

import "strings"

const (
	pipeToken    = "_PIPE_"
	newlineToken = "_NEWLINE_"
)

var (
	escaper   = strings.NewReplacer("|", pipeToken, "\r\n", newlineToken, "\n", newlineToken, "\r", "")
	unescaper = strings.NewReplacer(pipeToken, "|", newlineToken, "\n")
)

// Escape makes s safe to carry as a field value: field and record
// delimiters are replaced by tokens.
func Escape(s string) string {
	if !strings.ContainsAny(s, "|\r\n") {
		return s
	}
	return escaper.Replace(s)
}

// Unescape reverses Escape. Applying it twice is not idempotent for text
// that itself contains the tokens, so callers apply it exactly once, when
// the value leaves the gateway.
func Unescape(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	return unescaper.Replace(s)
}
