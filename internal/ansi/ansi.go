// Package ansi strips terminal escape sequences from serial output so
// logs and pattern matching see plain text. Grounded on
// _examples/original_source/eab/device_control.py (ANSI_ESCAPE).
package ansi

import "regexp"

var escape = regexp.MustCompile("\x1B(?:[@-Z\\\\-_]|\\[[0-?]*[ -/]*[@-~])")

// Strip removes ANSI escape codes from text.
func Strip(text string) string {
	return escape.ReplaceAllString(text, "")
}
