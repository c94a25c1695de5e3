package helpers

import "strings"

// SanitizeUTF8 drops invalid UTF-8 and NUL bytes. Postgres text columns
// reject NUL, and member names and command lines arrive from arbitrary mail.
func SanitizeUTF8(s string) string {
	return strings.ReplaceAll(strings.ToValidUTF8(s, ""), "\x00", "")
}

// SanitizeHeaderValue folds CR and LF to spaces so a display name cannot
// start a new header line.
func SanitizeHeaderValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(SanitizeUTF8(s))
}
