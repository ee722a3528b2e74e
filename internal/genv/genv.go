// Package genv is the "environment/boolean parser" collaborator spec.md
// declares out of scope. It reads the env-var table of spec.md §6.
package genv

import (
	"os"
	"strconv"
	"strings"
)

// BoolParser turns a raw environment string into a boolean per the common
// shell-truthy conventions (1/0, true/false, yes/no, on/off).
type BoolParser interface {
	Parse(raw string) bool
}

type defaultBoolParser struct{}

// Default is the BoolParser used unless a caller substitutes their own.
var Default BoolParser = defaultBoolParser{}

func (defaultBoolParser) Parse(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on", "y", "t":
		return true
	case "0", "false", "no", "off", "n", "f", "":
		return false
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return false
}

// Bool reads name from the environment, falling back to def when unset
// or empty, and parses it with the given BoolParser (Default if p is nil).
func Bool(name string, def bool, p BoolParser) bool {
	raw, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(raw) == "" {
		return def
	}
	if p == nil {
		p = Default
	}
	return p.Parse(raw)
}

// String reads name from the environment, falling back to def when unset
// or empty.
func String(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// Int reads name from the environment as an integer, falling back to def
// when unset or unparsable.
func Int(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
