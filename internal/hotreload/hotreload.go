// Package hotreload watches a file-backed pattern source and keeps a domain
// bundle's contents in sync with it: content-hash change detection, a
// periodic ticker, ForceReload, and a ReloadMetadata snapshot. Reloads
// mutate one long-lived domain.Bundle in place, so holders of the bundle
// reference stay current without re-fetching a pointer.
package hotreload

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/swarmguard/acmatch/internal/domain"
	"github.com/swarmguard/acmatch/internal/resilience"
)

// PatternSource loads a flat list of pattern strings from wherever it reads
// from (filesystem, API, database).
type PatternSource interface {
	Load() ([]string, error)
}

// FileSource loads patterns from a JSON file shaped {"patterns": [...]}.
type FileSource struct {
	path string
}

// NewFileSource constructs a loader for the given JSON file path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Load reads and parses the pattern file.
func (f *FileSource) Load() ([]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Patterns []string `json:"patterns"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Patterns, nil
}

// DirectorySource loads and merges every .json file in a directory, each
// shaped like FileSource expects.
type DirectorySource struct {
	dirPath string
}

// NewDirectorySource constructs a loader for a rules directory.
func NewDirectorySource(dirPath string) *DirectorySource {
	return &DirectorySource{dirPath: dirPath}
}

// Load reads every JSON file in the directory and merges their patterns.
func (d *DirectorySource) Load() ([]string, error) {
	entries, err := os.ReadDir(d.dirPath)
	if err != nil {
		return nil, err
	}
	var all []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		loader := NewFileSource(filepath.Join(d.dirPath, entry.Name()))
		patterns, err := loader.Load()
		if err != nil {
			continue
		}
		all = append(all, patterns...)
	}
	if len(all) == 0 {
		return nil, errors.New("hotreload: no patterns loaded from directory")
	}
	return all, nil
}

// ReloadMetadata tracks reload statistics, surfaced for diagnostics/metrics.
type ReloadMetadata struct {
	Version         string
	LoadedAt        time.Time
	PatternCount    int
	BuildDurationMs int64
	LastReloadAt    time.Time
	ReloadCount     int
	LastError       string
}

// Bundle keeps a domain.Bundle's contents synced with a PatternSource,
// reloading on a ticker and on demand via ForceReload.
type Bundle struct {
	source        PatternSource
	bundle        *domain.Bundle
	checkInterval time.Duration

	// reloadMu serializes reload() between the ticker goroutine and
	// ForceReload callers; lastHash is only touched under it.
	reloadMu sync.Mutex
	lastHash string

	mu       sync.RWMutex
	metadata ReloadMetadata

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a hot-reloading bundle against d, performs an initial load,
// and starts the background watcher.
func New(d *domain.Domain, source PatternSource, checkInterval time.Duration) (*Bundle, error) {
	hb := &Bundle{
		source:        source,
		bundle:        domain.NewBundle(d),
		checkInterval: checkInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if err := hb.reload(); err != nil {
		return nil, err
	}
	go hb.watchLoop()
	return hb, nil
}

func (hb *Bundle) reload() error {
	hb.reloadMu.Lock()
	defer hb.reloadMu.Unlock()

	var patterns []string
	err := resilience.RetryIO(2*time.Second, func() error {
		p, loadErr := hb.source.Load()
		if loadErr != nil {
			return loadErr
		}
		patterns = p
		return nil
	})
	if err != nil {
		hb.mu.Lock()
		hb.metadata.LastError = err.Error()
		hb.mu.Unlock()
		return err
	}

	hash := hashPatterns(patterns)
	if hash == hb.lastHash {
		return nil
	}

	start := time.Now()
	if err := hb.bundle.RemovePatterns(); err != nil {
		hb.mu.Lock()
		hb.metadata.LastError = err.Error()
		hb.mu.Unlock()
		return err
	}
	if err := hb.bundle.AddPatterns(patterns); err != nil {
		hb.mu.Lock()
		hb.metadata.LastError = err.Error()
		hb.mu.Unlock()
		return err
	}
	hb.lastHash = hash

	hb.mu.Lock()
	hb.metadata = ReloadMetadata{
		Version:         hash[:12],
		LoadedAt:        start,
		PatternCount:    len(patterns),
		BuildDurationMs: time.Since(start).Milliseconds(),
		LastReloadAt:    time.Now(),
		ReloadCount:     hb.metadata.ReloadCount + 1,
		LastError:       "",
	}
	hb.mu.Unlock()
	return nil
}

func hashPatterns(patterns []string) string {
	sorted := append([]string(nil), patterns...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (hb *Bundle) watchLoop() {
	defer close(hb.doneCh)
	ticker := time.NewTicker(hb.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = hb.reload()
		case <-hb.stopCh:
			return
		}
	}
}

// Bundle returns the underlying domain.Bundle; its contents stay current
// across reloads since reload mutates it in place rather than swapping it.
func (hb *Bundle) Bundle() *domain.Bundle {
	return hb.bundle
}

// Metadata returns the current reload statistics snapshot.
func (hb *Bundle) Metadata() ReloadMetadata {
	hb.mu.RLock()
	defer hb.mu.RUnlock()
	return hb.metadata
}

// Stop terminates the background watcher goroutine.
func (hb *Bundle) Stop() {
	close(hb.stopCh)
	<-hb.doneCh
}

// ForceReload triggers an immediate reload check, bypassing the ticker.
func (hb *Bundle) ForceReload() error {
	return hb.reload()
}
