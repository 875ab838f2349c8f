// Package scanner provides higher-level scanning conveniences layered over
// internal/domain: a bloom-filter prefilter that can skip a search outright,
// a YARA literal importer, and chunked stream scanning with overlap
// handling across io.Reader boundaries.
package scanner

import (
	"hash/fnv"
	"math"
)

// bloomFilter is a fixed-size bit array with k independent hash functions:
// false positives are possible, false negatives are not.
type bloomFilter struct {
	bits []uint64
	k    int
	m    int
}

func newBloomFilter(expectedElements int, fpRate float64) *bloomFilter {
	if expectedElements < 1 {
		expectedElements = 1
	}
	m := optimalM(expectedElements, fpRate)
	k := optimalK(m, expectedElements)
	return &bloomFilter{bits: make([]uint64, (m+63)/64), k: k, m: m}
}

func optimalM(n int, p float64) int {
	return int(math.Ceil(-float64(n) * math.Log(p) / (math.Log(2) * math.Log(2))))
}

func optimalK(m, n int) int {
	k := int(math.Ceil(float64(m) / float64(n) * math.Log(2)))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}
	return k
}

func (bf *bloomFilter) add(data []byte) {
	for i := 0; i < bf.k; i++ {
		idx := bf.hash(data, i) % bf.m
		bf.bits[idx/64] |= 1 << (idx % 64)
	}
}

func (bf *bloomFilter) mayContain(data []byte) bool {
	for i := 0; i < bf.k; i++ {
		idx := bf.hash(data, i) % bf.m
		if bf.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

func (bf *bloomFilter) hash(data []byte, seed int) int {
	h := fnv.New64a()
	h.Write(data)
	if seed > 0 {
		h.Write([]byte{byte(seed)})
	}
	return int(h.Sum64())
}

// Prefilter lets a caller skip a full domain search when a text provably
// contains none of the gram-length substrings of any pattern currently fed
// into it. It never produces a false negative: MayContainAny returning false
// guarantees no added pattern occurs in text. It is purely an optimization;
// Domain.Search remains authoritative and is never bypassed by the prefilter
// itself, only gated by it.
type Prefilter struct {
	filter     *bloomFilter
	gramLen    int
	disabled   bool
	ignorecase bool
}

// NewPrefilter builds an empty prefilter sized for roughly expectedPatterns
// entries at the given false-positive rate. ignorecase must match the
// domain's setting: the filter folds ASCII case on both Add and
// MayContainAny the same way the automaton does, so a case-insensitive
// domain's matches are never filtered out.
func NewPrefilter(expectedPatterns int, fpRate float64, ignorecase bool) *Prefilter {
	return &Prefilter{filter: newBloomFilter(expectedPatterns*8, fpRate), gramLen: 0, ignorecase: ignorecase}
}

func (p *Prefilter) fold(data []byte) []byte {
	if !p.ignorecase {
		return data
	}
	folded := make([]byte, len(data))
	for i, b := range data {
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		folded[i] = b
	}
	return folded
}

// Add indexes pattern into the filter. The first call fixes the filter's
// gram length to len(pattern); any later pattern shorter than that disables
// the filter outright (a shorter pattern can hide inside a window that would
// otherwise never be sampled, which would risk a false negative).
func (p *Prefilter) Add(pattern []byte) {
	if p.disabled || len(pattern) == 0 {
		return
	}
	if p.gramLen == 0 {
		p.gramLen = len(pattern)
	} else if len(pattern) < p.gramLen {
		p.disabled = true
		return
	}
	pattern = p.fold(pattern)
	for i := 0; i+p.gramLen <= len(pattern); i++ {
		p.filter.add(pattern[i : i+p.gramLen])
	}
}

// MayContainAny reports whether text could possibly contain any indexed
// pattern. A false return means it definitely does not.
func (p *Prefilter) MayContainAny(text []byte) bool {
	if p.disabled || p.gramLen == 0 || len(text) < p.gramLen {
		return true
	}
	text = p.fold(text)
	for i := 0; i+p.gramLen <= len(text); i++ {
		if p.filter.mayContain(text[i : i+p.gramLen]) {
			return true
		}
	}
	return false
}
