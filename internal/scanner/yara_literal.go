package scanner

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hillu/go-yara/v4"
)

// YaraLiteralSource compiles .yar/.yara files with the real YARA compiler,
// so a malformed rule file is rejected the same way it would be by any other
// YARA consumer, and then extracts only the plain double-quoted string
// literals each rule declares. Regex (`/.../`) and hex-byte (`{ ... }`)
// string definitions are deliberately skipped: the domain's automaton only
// ever matches literal substrings, so importing a regex pattern as if it
// were literal text would silently change its meaning.
type YaraLiteralSource struct {
	namespace string
}

// NewYaraLiteralSource creates a source that compiles rules into namespace
// ("default" if empty).
func NewYaraLiteralSource(namespace string) *YaraLiteralSource {
	if namespace == "" {
		namespace = "default"
	}
	return &YaraLiteralSource{namespace: namespace}
}

// LiteralPattern is one extracted string literal, tagged with the rule and
// identifier it came from for diagnostics.
type LiteralPattern struct {
	Rule       string
	Identifier string
	Value      string
}

// Load walks rulesDir for .yar/.yara files, compiles each with the YARA
// compiler for validation, and returns every plain string literal declared
// across all of them.
func (s *YaraLiteralSource) Load(rulesDir string) ([]LiteralPattern, error) {
	var ruleFiles []string
	err := filepath.Walk(rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && (filepath.Ext(path) == ".yar" || filepath.Ext(path) == ".yara") {
			ruleFiles = append(ruleFiles, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk rules dir: %w", err)
	}

	compiler, err := yara.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("yara compiler init: %w", err)
	}

	var out []LiteralPattern
	for _, path := range ruleFiles {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		err = compiler.AddFile(f, s.namespace)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", path, err)
		}

		lits, err := extractLiterals(path)
		if err != nil {
			return nil, fmt.Errorf("extract literals from %s: %w", path, err)
		}
		out = append(out, lits...)
	}

	// GetRules forces the compiler to fully resolve the rule set, surfacing
	// any cross-rule reference error that AddFile alone would not catch.
	if _, err := compiler.GetRules(); err != nil {
		return nil, fmt.Errorf("get rules: %w", err)
	}
	return out, nil
}

// extractLiterals scans a single rule file's text for `$id = "literal"`
// string definitions, tracking the enclosing rule name. It intentionally
// does not attempt a full YARA grammar; AddFile above already rejected
// anything syntactically invalid.
func extractLiterals(path string) ([]LiteralPattern, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []LiteralPattern
	currentRule := ""
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "rule ") {
			name := strings.TrimPrefix(line, "rule ")
			if idx := strings.IndexAny(name, " {:"); idx >= 0 {
				name = name[:idx]
			}
			currentRule = strings.TrimSpace(name)
			continue
		}
		if !strings.HasPrefix(line, "$") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq < 0 {
			continue
		}
		ident := strings.TrimSpace(line[:eq])
		rhs := strings.TrimSpace(line[eq+1:])
		if !strings.HasPrefix(rhs, "\"") {
			// regex ("/...") or hex ("{...}") definition; not a literal.
			continue
		}
		value, err := parseQuoted(rhs)
		if err != nil {
			continue
		}
		out = append(out, LiteralPattern{Rule: currentRule, Identifier: ident, Value: value})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseQuoted(rhs string) (string, error) {
	for i := 1; i < len(rhs); i++ {
		switch rhs[i] {
		case '\\':
			i++ // skip the escaped character, which may be a quote
		case '"':
			return strconv.Unquote(rhs[:i+1])
		}
	}
	return "", fmt.Errorf("unterminated string literal: %q", rhs)
}
