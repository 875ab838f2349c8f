// Command signature-engine is the HTTP front end over the matching domain:
// it wires a named domain registry, a hot-reloading bundle, the bloom-filter
// prefilter, and the resilience primitives behind a small scan/reload/admin
// endpoint set.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/acmatch/internal/config"
	"github.com/swarmguard/acmatch/internal/corelog"
	"github.com/swarmguard/acmatch/internal/domain"
	"github.com/swarmguard/acmatch/internal/hotreload"
	"github.com/swarmguard/acmatch/internal/otelinit"
	"github.com/swarmguard/acmatch/internal/resilience"
	"github.com/swarmguard/acmatch/internal/scanner"
)

// MatchResult is one match reported over the /scan endpoint.
type MatchResult struct {
	Pid      int    `json:"pid"`
	Pattern  string `json:"pattern"`
	Position int    `json:"position"`
}

// scanMetrics holds the per-endpoint counters/histograms installed directly
// on the acmatch meter.
type scanMetrics struct {
	matchCounter metric.Int64Counter
	latencyHist  metric.Float64Histogram
	bytesHist    metric.Int64Histogram
	reloadCount  metric.Int64Counter
	reloadDur    metric.Float64Histogram
	scanErrors   metric.Int64Counter
	scanActive   metric.Int64UpDownCounter
	skippedPref  metric.Int64Counter
}

func newScanMetrics() scanMetrics {
	meter := otel.Meter("acmatch")
	matchCounter, _ := meter.Int64Counter("acmatch_signature_match_total")
	latencyHist, _ := meter.Float64Histogram("acmatch_scan_duration_seconds")
	bytesHist, _ := meter.Int64Histogram("acmatch_scan_bytes")
	reloadCount, _ := meter.Int64Counter("acmatch_signatures_reloads_total")
	reloadDur, _ := meter.Float64Histogram("acmatch_signatures_reload_duration_seconds")
	scanErrors, _ := meter.Int64Counter("acmatch_scan_errors_total")
	scanActive, _ := meter.Int64UpDownCounter("acmatch_scan_active")
	skippedPref, _ := meter.Int64Counter("acmatch_scan_prefilter_skips_total")
	return scanMetrics{
		matchCounter: matchCounter,
		latencyHist:  latencyHist,
		bytesHist:    bytesHist,
		reloadCount:  reloadCount,
		reloadDur:    reloadDur,
		scanErrors:   scanErrors,
		scanActive:   scanActive,
		skippedPref:  skippedPref,
	}
}

// service bundles the one domain this binary serves, its hot-reloading
// pattern bundle, the shared prefilter built over the domain's live pattern
// set, and the resilience guards wrapping the write path.
type service struct {
	reg    *domain.Registry
	dom    *domain.Domain
	hb     *hotreload.Bundle
	pref   atomic.Pointer[scanner.Prefilter]
	cb     *resilience.CircuitBreaker
	rl     *resilience.RateLimiter
	metric scanMetrics
	pool   otelinit.Metrics

	bundlesMu sync.RWMutex
	bundles   map[string]*domain.Bundle
}

func newService(cfg config.DomainConfig, ruleDir string, pool otelinit.Metrics) (*service, error) {
	reg := domain.NewRegistry()
	dom, err := reg.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open domain: %w", err)
	}

	source := ruleSource(ruleDir)
	hb, err := hotreload.New(dom, source, 5*time.Second)
	if err != nil {
		slog.Warn("initial rule load failed, starting with an empty bundle", "error", err, "rule_dir", ruleDir)
		hb, err = hotreload.New(dom, emptySource{}, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("start hot reload with empty source: %w", err)
		}
	}

	s := &service{
		reg: reg,
		dom: dom,
		hb:  hb,
		cb: resilience.NewCircuitBreakerAdaptive(
			30*time.Second, 6, 5, 0.5, 10*time.Second, 3,
		),
		rl:      resilience.NewRateLimiter(5, 0.5, time.Minute, 10),
		metric:  newScanMetrics(),
		pool:    pool,
		bundles: make(map[string]*domain.Bundle),
	}
	dom.Quiesce()
	s.rebuildPrefilter()
	return s, nil
}

type emptySource struct{}

func (emptySource) Load() ([]string, error) { return nil, nil }

// yaraSource adapts scanner.YaraLiteralSource to hotreload.PatternSource,
// flattening the extracted rule literals into the plain pattern list the
// bundle consumes.
type yaraSource struct {
	src *scanner.YaraLiteralSource
	dir string
}

func (y yaraSource) Load() ([]string, error) {
	lits, err := y.src.Load(y.dir)
	if err != nil {
		return nil, err
	}
	patterns := make([]string, 0, len(lits))
	for _, l := range lits {
		patterns = append(patterns, l.Value)
	}
	return patterns, nil
}

// ruleSource picks the pattern source for ruleDir: YARA rule files when the
// directory contains any, the plain JSON directory source otherwise.
func ruleSource(ruleDir string) hotreload.PatternSource {
	entries, err := os.ReadDir(ruleDir)
	if err == nil {
		for _, e := range entries {
			if ext := filepath.Ext(e.Name()); ext == ".yar" || ext == ".yara" {
				return yaraSource{src: scanner.NewYaraLiteralSource("default"), dir: ruleDir}
			}
		}
	}
	return hotreload.NewDirectorySource(ruleDir)
}

// rebuildPrefilter re-derives the bloom-filter prefilter from the domain's
// current live pattern list (every bundle's patterns, not only the
// hot-reloaded one) every time the bundle reloads. The prefilter has no
// notion of bundles or refcounts of its own; it is a disposable, swappable
// index over whatever the domain currently holds.
func (s *service) rebuildPrefilter() {
	patterns := s.currentPatterns()
	p := scanner.NewPrefilter(len(patterns)+1, 0.01, s.dom.IgnoreCase())
	for _, pat := range patterns {
		p.Add([]byte(pat))
	}
	s.pref.Store(p)
}

func (s *service) currentPatterns() []string {
	return s.dom.Patterns()
}

func main() {
	serviceName := "signature-engine"
	corelog.Init(serviceName)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, serviceName)
	shutdownMetrics, poolMetrics := otelinit.InitMetrics(ctx, serviceName)

	cfg := config.FromEnv("default")
	ruleDir := config.RuleDir()

	svc, err := newService(cfg, ruleDir, poolMetrics)
	if err != nil {
		slog.Error("failed to initialize signature engine", "error", err)
		os.Exit(1)
	}
	defer svc.hb.Stop()
	defer func() {
		if err := svc.reg.Close(cfg.Name); err != nil {
			slog.Warn("domain close refused", "error", err)
		}
	}()

	slog.Info("signature engine initialized",
		"rules", svc.hb.Metadata().PatternCount,
		"version", svc.hb.Metadata().Version,
		"executors", svc.dom.NumExecutors())

	mux := http.NewServeMux()
	mux.HandleFunc("/health", svc.handleHealth)
	mux.HandleFunc("/scan", svc.handleScan)
	mux.HandleFunc("/reload", svc.handleReload)
	mux.HandleFunc("/rules", svc.handleRules)
	mux.HandleFunc("/stats", svc.handleStats)
	mux.HandleFunc("POST /v1/bundles", svc.handleCreateBundle)
	mux.HandleFunc("POST /v1/bundles/{id}/patterns", svc.handleBundleAddPatterns)
	mux.HandleFunc("DELETE /v1/bundles/{id}", svc.handleDeleteBundle)

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	slog.Info("service started")
	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func (s *service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *service) handleScan(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.metric.scanErrors.Add(r.Context(), 1)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.metric.scanActive.Add(r.Context(), 1)
	defer s.metric.scanActive.Add(r.Context(), -1)

	if p := s.pref.Load(); p != nil && !p.MayContainAny(body) {
		s.metric.skippedPref.Add(r.Context(), 1)
		s.metric.bytesHist.Record(r.Context(), int64(len(body)))
		s.metric.latencyHist.Record(r.Context(), time.Since(start).Seconds())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]MatchResult{})
		return
	}

	s.pool.LeaseAttempts.Add(r.Context(), 1)
	replica, ok := s.dom.Lease()
	if !ok {
		s.pool.LeaseExhausted.Add(r.Context(), 1)
		s.metric.scanErrors.Add(r.Context(), 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no replica available"))
		return
	}
	defer s.dom.Return(replica)

	bundle := s.hb.Bundle()
	if _, err := s.dom.Search(replica, body); err != nil {
		s.metric.scanErrors.Add(r.Context(), 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(err.Error()))
		return
	}

	var results []MatchResult
	cur := domain.Cursor{}
	for {
		pid, pos, ok := bundle.NextMatch(&cur, replica)
		if !ok {
			break
		}
		results = append(results, MatchResult{Pid: pid, Pattern: s.dom.PatternAt(pid), Position: pos})
		s.metric.matchCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.Int("pid", pid)))
		s.pool.MatchesTotal.Add(r.Context(), 1)
	}

	s.metric.bytesHist.Record(r.Context(), int64(len(body)))
	s.metric.latencyHist.Record(r.Context(), time.Since(start).Seconds())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Rule-Count", fmt.Sprintf("%d", s.hb.Metadata().PatternCount))
	w.Header().Set("X-Scanner-Version", s.hb.Metadata().Version)
	if results == nil {
		results = []MatchResult{}
	}
	_ = json.NewEncoder(w).Encode(results)
}

func (s *service) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.rl.Allow() {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	if !s.cb.Allow() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("reload circuit open"))
		return
	}

	t0 := time.Now()
	busyOnly := func(err error) bool { return errors.Is(err, domain.ErrBusy) }
	_, err := resilience.Retry(r.Context(), 3, 50*time.Millisecond, busyOnly, func() (struct{}, error) {
		return struct{}{}, s.hb.ForceReload()
	})
	s.cb.RecordOutcome(err, busyOnly)
	dur := time.Since(t0).Seconds()

	if err != nil {
		s.metric.reloadCount.Add(r.Context(), 1, metric.WithAttributes(attribute.String("status", "failure")))
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	s.rebuildPrefilter()
	s.pool.RebuildsDone.Add(r.Context(), 1)

	meta := s.hb.Metadata()
	s.metric.reloadDur.Record(r.Context(), dur)
	s.metric.reloadCount.Add(r.Context(), 1, metric.WithAttributes(attribute.String("status", "success")))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":           "ok",
		"duration_seconds": dur,
		"rules":            meta.PatternCount,
		"version":          meta.Version,
		"reload_count":     meta.ReloadCount,
	})
}

func (s *service) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	meta := s.hb.Metadata()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version": meta.Version,
		"count":   meta.PatternCount,
	})
}

func (s *service) handleStats(w http.ResponseWriter, r *http.Request) {
	meta := s.hb.Metadata()
	mem := s.dom.MemInfo()
	st := map[string]any{
		"rules":      meta.PatternCount,
		"goroutines": runtime.NumGoroutine(),
		"version":    meta.Version,
		"executors":  s.dom.NumExecutors(),
		"scanner": map[string]any{
			"loaded_at":         meta.LoadedAt.Format(time.RFC3339),
			"last_reload_at":    meta.LastReloadAt.Format(time.RFC3339),
			"reload_count":      meta.ReloadCount,
			"build_duration_ms": meta.BuildDurationMs,
			"last_error":        meta.LastError,
		},
		"meminfo": map[string]any{
			"allocated": mem.Allocated,
			"freed":     mem.Freed,
			"peak_live": mem.PeakLive,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// handleCreateBundle opens a new, independently addressable domain.Bundle
// and hands the caller an opaque UUID handle for it, so a caller cannot
// guess or enumerate another tenant's bundle. Callers use it for a filtered
// view of their own, distinct from the hot-reloaded one /scan consults.
func (s *service) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	b := domain.NewBundle(s.dom)

	s.bundlesMu.Lock()
	s.bundles[id] = b
	s.bundlesMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

// handleBundleAddPatterns adds patterns to a previously created bundle,
// retrying on a transient ErrBusy from a concurrent writer on the same
// domain.
func (s *service) handleBundleAddPatterns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.bundlesMu.RLock()
	b, ok := s.bundles[id]
	s.bundlesMu.RUnlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	var body struct {
		Patterns []string `json:"patterns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !s.rl.AllowPatternBatch(s.dom, int64(len(body.Patterns))) {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	if err := b.AddPatternsRetry(r.Context(), body.Patterns, 3, 10*time.Millisecond); err != nil {
		if errors.Is(err, domain.ErrBusy) {
			s.pool.BusyRejections.Add(r.Context(), 1)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	s.rebuildPrefilter()
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteBundle releases every pattern reference the bundle holds and
// forgets the handle.
func (s *service) handleDeleteBundle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.bundlesMu.Lock()
	b, ok := s.bundles[id]
	if ok {
		delete(s.bundles, id)
	}
	s.bundlesMu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if err := b.RemovePatternsRetry(r.Context(), 3, 10*time.Millisecond); err != nil {
		if errors.Is(err, domain.ErrBusy) {
			s.pool.BusyRejections.Add(r.Context(), 1)
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(err.Error()))
		return
	}
	s.rebuildPrefilter()
	w.WriteHeader(http.StatusNoContent)
}
