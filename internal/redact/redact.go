// Package redact scrubs sensitive fragments from strings before they are
// logged. Error chains in this service can carry database connection URLs,
// Feishu app secrets, and tenant access tokens; none of those belong in
// log output.
package redact

import (
	"regexp"
)

// RedactionPlaceholder replaces any matched sensitive fragment.
const RedactionPlaceholder = "[REDACTED]"

var (
	// Database connection strings with inline credentials.
	dbConnRegex = regexp.MustCompile(`(?i)(postgres|postgresql|mysql)://[^@\s]+@`)

	// Key/secret/token assignments in query strings, JSON fragments, or
	// error text.
	secretRegex = regexp.MustCompile(
		`(?i)(app_secret|app_id|api[_-]?key|token|secret)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`,
	)

	// Feishu tenant access tokens carry a "t-" prefix.
	tenantTokenRegex = regexp.MustCompile(`\bt-[A-Za-z0-9_.]{16,}\b`)

	// Bearer headers, regardless of token shape.
	bearerRegex = regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.~+/]+`)
)

// String returns s with all recognized sensitive fragments replaced.
func String(s string) string {
	if s == "" {
		return s
	}

	s = dbConnRegex.ReplaceAllString(s, RedactionPlaceholder+"@")
	s = secretRegex.ReplaceAllString(s, "${1}${2}"+RedactionPlaceholder)
	s = tenantTokenRegex.ReplaceAllString(s, RedactionPlaceholder)
	s = bearerRegex.ReplaceAllString(s, RedactionPlaceholder)

	return s
}

// Error returns the redacted message of err, or "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
