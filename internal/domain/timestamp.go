package domain

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// InputTimeLayout accepts one to six fraction digits.
	InputTimeLayout = "2006-01-02T15:04:05.999999"

	// OutputTimeLayout always renders exactly three fraction digits.
	OutputTimeLayout = "2006-01-02T15:04:05.000"
)

var inputTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{1,6}$`)

// ValidTime reports whether s is a caller timestamp of the form
// YYYY-MM-DDTHH:MM:SS.ffffff naming a real calendar time.
func ValidTime(s string) bool {
	if !inputTimePattern.MatchString(s) {
		return false
	}
	_, err := time.Parse(InputTimeLayout, s)
	return err == nil
}

// NormalizeTime re-renders a caller timestamp with millisecond precision. An
// empty raw value means the caller sent none, and now is used instead.
// Timestamps carry no zone; they are read and written as UTC wall time.
func NormalizeTime(raw string, now time.Time) (string, error) {
	if raw == "" {
		return now.UTC().Format(OutputTimeLayout), nil
	}
	if !inputTimePattern.MatchString(raw) {
		return "", fmt.Errorf("time %q does not match %s", raw, InputTimeLayout)
	}
	t, err := time.Parse(InputTimeLayout, raw)
	if err != nil {
		return "", fmt.Errorf("parse time %q: %w", raw, err)
	}
	return t.Format(OutputTimeLayout), nil
}
