// Package config holds the domain's runtime configuration, loaded either as
// a struct literal (library use) or from ACMATCH_-prefixed environment
// variables (cmd/signature-engine).
package config

import (
	"os"
	"strconv"
)

// DomainConfig mirrors the domain creation parameters: name, replica count
// per executor, slot table size, and case folding.
type DomainConfig struct {
	Name                string
	AutomataPerExecutor int
	PatternsMax         int
	IgnoreCase          bool
}

// Default values applied when an environment variable is absent.
const (
	DefaultAutomataPerExecutor = 2
	DefaultPatternsMax         = 4096
	DefaultRuleDir             = "./rules"
)

// FromEnv reads a DomainConfig from ACMATCH_* environment variables, falling
// back to the package defaults for anything unset or unparsable.
func FromEnv(name string) DomainConfig {
	cfg := DomainConfig{
		Name:                name,
		AutomataPerExecutor: DefaultAutomataPerExecutor,
		PatternsMax:         DefaultPatternsMax,
		IgnoreCase:          false,
	}

	if v := os.Getenv("ACMATCH_AUTOMATA_PER_CPU"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.AutomataPerExecutor = n
		}
	}
	if v := os.Getenv("ACMATCH_PATTERNS_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PatternsMax = n
		}
	}
	if v := os.Getenv("ACMATCH_IGNORECASE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.IgnoreCase = b
		}
	}
	return cfg
}

// RuleDir reads ACMATCH_RULE_DIR, defaulting to DefaultRuleDir.
func RuleDir() string {
	if v := os.Getenv("ACMATCH_RULE_DIR"); v != "" {
		return v
	}
	return DefaultRuleDir
}
