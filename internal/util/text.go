package util

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Humanize turns a snake_case key into lowercase words ("target_customer" -> "target customer").
func Humanize(key string) string {
	return strings.ReplaceAll(strings.TrimSpace(key), "_", " ")
}

// TitleCase turns a snake_case key into a display heading ("main_benefit" -> "Main Benefit").
// A leading "vp_" namespace is dropped.
func TitleCase(key string) string {
	key = strings.TrimPrefix(key, "vp_")
	return cases.Title(language.English).String(Humanize(key))
}
