package scanner

import (
	"strings"
	"testing"

	"github.com/swarmguard/acmatch/internal/config"
	"github.com/swarmguard/acmatch/internal/domain"
)

func newTestDomain(t *testing.T, patterns []string) (*domain.Domain, *domain.Bundle) {
	t.Helper()
	d := domain.Open(config.DomainConfig{
		Name:                t.Name(),
		AutomataPerExecutor: 2,
		PatternsMax:         16,
	})
	b := domain.NewBundle(d)
	if err := b.AddPatterns(patterns); err != nil {
		t.Fatalf("AddPatterns: %v", err)
	}
	d.Quiesce()
	t.Cleanup(func() {
		d.Quiesce()
		if err := d.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return d, b
}

func TestStreamScannerFindsMatchAcrossChunkBoundary(t *testing.T) {
	d, _ := newTestDomain(t, []string{"boundary"})
	// bufferSize 1024 (NewStreamScanner's minimum) with the text placed so
	// "boun|dary" straddles the first chunk boundary, and overlap large
	// enough to catch it on the next chunk's prefix copy.
	s := NewStreamScanner(d, 1024, 16)

	text := strings.Repeat("x", 1020) + "boundary" + "xxxxx"
	matches, err := s.ScanStream(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ScanStream: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("expected at least one match for %q, got none", text)
	}
}

func TestStreamScannerGlobalOffsets(t *testing.T) {
	d, _ := newTestDomain(t, []string{"needle"})
	s := NewStreamScanner(d, 64, 16)

	text := strings.Repeat("x", 100) + "needle" + strings.Repeat("x", 100)
	matches, err := s.ScanStream(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ScanStream: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %v, want exactly 1", matches)
	}
	wantOffset := int64(100 + len("needle"))
	if matches[0].GlobalOffset != wantOffset {
		t.Fatalf("GlobalOffset = %d, want %d", matches[0].GlobalOffset, wantOffset)
	}
}

func TestStreamScannerNoDuplicateInOverlap(t *testing.T) {
	d, _ := newTestDomain(t, []string{"needle"})
	// The match sits in the tail of chunk one and is re-scanned as part of
	// chunk two's carried-over prefix; it must be reported only once.
	s := NewStreamScanner(d, 1024, 32)

	text := strings.Repeat("x", 1000) + "needle" + strings.Repeat("x", 1000)
	matches, err := s.ScanStream(strings.NewReader(text))
	if err != nil {
		t.Fatalf("ScanStream: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %v, want exactly 1", matches)
	}
	if want := int64(1000 + len("needle")); matches[0].GlobalOffset != want {
		t.Fatalf("GlobalOffset = %d, want %d", matches[0].GlobalOffset, want)
	}
}

func TestWorkerPoolRunsConcurrentJobs(t *testing.T) {
	d, _ := newTestDomain(t, []string{"hit"})
	s := NewStreamScanner(d, 64, 8)
	wp := NewWorkerPool(s, 3)

	wp.Submit("job-1", strings.NewReader("a hit here"))
	wp.Submit("job-2", strings.NewReader("no match here"))
	wp.Close()

	seen := map[string]int{}
	for res := range wp.Results() {
		if res.Err != nil {
			t.Fatalf("job %s error: %v", res.ID, res.Err)
		}
		seen[res.ID] = len(res.Matches)
	}
	if seen["job-1"] != 1 {
		t.Fatalf("job-1 matches = %d, want 1", seen["job-1"])
	}
	if seen["job-2"] != 0 {
		t.Fatalf("job-2 matches = %d, want 0", seen["job-2"])
	}
}

func TestScanStreamFilteredRestrictsToBundlePatterns(t *testing.T) {
	d, _ := newTestDomain(t, []string{"alpha"})
	other := domain.NewBundle(d)
	if err := other.AddPatterns([]string{"beta"}); err != nil {
		t.Fatalf("AddPatterns(beta): %v", err)
	}
	d.Quiesce()

	s := NewStreamScanner(d, 64, 8)
	matches, err := s.ScanStreamFiltered(strings.NewReader("alpha and beta both appear"), other)
	if err != nil {
		t.Fatalf("ScanStreamFiltered: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("matches = %v, want exactly 1 (beta only)", matches)
	}
	if got := d.PatternAt(matches[0].Pid); got != "beta" {
		t.Fatalf("matched pattern = %q, want %q", got, "beta")
	}
}

func TestWorkerPoolSubmitFilteredUsesBundle(t *testing.T) {
	d, bundle := newTestDomain(t, []string{"hit"})
	s := NewStreamScanner(d, 64, 8)
	wp := NewWorkerPool(s, 2)

	wp.SubmitFiltered("job-1", strings.NewReader("a hit here"), bundle)
	wp.Close()

	res := <-wp.Results()
	if res.Err != nil {
		t.Fatalf("job-1 error: %v", res.Err)
	}
	if len(res.Matches) != 1 {
		t.Fatalf("job-1 matches = %d, want 1", len(res.Matches))
	}
}
