package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces credentials in logged values.
const RedactedValue = "[REDACTED]"

// sensitiveParams are query parameters that carry credentials in RPC URLs and DSNs.
var sensitiveParams = []string{"key", "token", "secret", "password", "passwd", "auth", "sslpassword"}

// MaskURL strips credentials from an RPC endpoint or database DSN: the
// userinfo password, credential-like query parameters and the API key path
// segment that hosted JSON-RPC relays append (".../v3/<key>"). Values that do
// not parse as URLs are returned unchanged.
func MaskURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "://") {
		return raw
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return RedactedValue
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), RedactedValue)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if isSensitiveParam(name) {
				q.Set(name, RedactedValue)
			}
		}
		u.RawQuery = q.Encode()
	}
	segments := strings.Split(u.Path, "/")
	for i, seg := range segments {
		if looksLikeAPIKey(seg) {
			segments[i] = RedactedValue
		}
	}
	u.Path = strings.Join(segments, "/")
	u.RawPath = ""
	return unescapeMarker(u.String())
}

// ScrubText masks every URL embedded in free text such as an error message.
func ScrubText(text string) string {
	if !strings.Contains(text, "://") {
		return text
	}
	fields := strings.Fields(text)
	for i, f := range fields {
		if !strings.Contains(f, "://") {
			continue
		}
		core := strings.Trim(f, `"'(),:;`)
		fields[i] = strings.Replace(f, core, MaskURL(core), 1)
	}
	return strings.Join(fields, " ")
}

// URLField logs an endpoint or DSN with its credentials masked.
func URLField(key, raw string) slog.Attr {
	return slog.String(key, MaskURL(raw))
}

// ErrorField logs err under "error" with embedded URLs masked.
func ErrorField(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", ScrubText(err.Error()))
}

func isSensitiveParam(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveParams {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// looksLikeAPIKey matches long opaque path segments; version segments and
// ordinary words are short.
func looksLikeAPIKey(seg string) bool {
	if len(seg) < 24 {
		return false
	}
	for _, r := range seg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func unescapeMarker(s string) string {
	return strings.ReplaceAll(s, url.QueryEscape(RedactedValue), RedactedValue)
}
