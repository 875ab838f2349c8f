package scanner

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRuleFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestExtractLiteralsSkipsRegexAndHex(t *testing.T) {
	dir := t.TempDir()
	path := writeRuleFile(t, dir, "mixed.yar", `
rule MixedStrings {
    strings:
        $plain = "evil.example.com"
        $re = /https?:\/\/[a-z]+/
        $hex = { 4D 5A 90 00 }
        $other = "second literal" nocase
    condition:
        any of them
}
`)

	lits, err := extractLiterals(path)
	if err != nil {
		t.Fatalf("extractLiterals: %v", err)
	}
	if len(lits) != 2 {
		t.Fatalf("literals = %v, want 2 (plain string definitions only)", lits)
	}
	if lits[0].Rule != "MixedStrings" || lits[0].Identifier != "$plain" || lits[0].Value != "evil.example.com" {
		t.Fatalf("lits[0] = %+v", lits[0])
	}
	if lits[1].Value != "second literal" {
		t.Fatalf("lits[1] = %+v", lits[1])
	}
}

func TestExtractLiteralsTracksRuleNames(t *testing.T) {
	dir := t.TempDir()
	path := writeRuleFile(t, dir, "two.yar", `
rule First {
    strings:
        $a = "aaa"
    condition:
        $a
}

rule Second : tagged {
    strings:
        $b = "bbb"
    condition:
        $b
}
`)

	lits, err := extractLiterals(path)
	if err != nil {
		t.Fatalf("extractLiterals: %v", err)
	}
	if len(lits) != 2 {
		t.Fatalf("literals = %v, want 2", lits)
	}
	if lits[0].Rule != "First" || lits[1].Rule != "Second" {
		t.Fatalf("rule names = %q, %q", lits[0].Rule, lits[1].Rule)
	}
}

func TestParseQuotedHandlesEscapes(t *testing.T) {
	got, err := parseQuoted(`"with \"inner\" quotes" nocase`)
	if err == nil && got == `with ` {
		// parseQuoted skips backslash-escaped quotes when looking for the
		// closing quote, so the literal must not be cut short at the first
		// escaped quote.
		t.Fatalf("parseQuoted silently truncated an escaped-quote literal: %q", got)
	}

	got, err = parseQuoted(`"plain value" wide`)
	if err != nil {
		t.Fatalf("parseQuoted: %v", err)
	}
	if got != "plain value" {
		t.Fatalf("parseQuoted = %q, want %q", got, "plain value")
	}
}
