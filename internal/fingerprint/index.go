// Package fingerprint provides exact and fuzzy device-fingerprint lookup
// over the counter/set store.
package fingerprint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// components is the fixed set of comparable fingerprint components.
var components = []string{
	"screen_resolution",
	"timezone",
	"language",
	"platform",
	"color_depth",
	"hardware_concurrency",
	"device_memory",
	"canvas_hash",
	"webgl_vendor",
	"webgl_renderer",
	"fonts_hash",
}

// recordTTL bounds how long component records are retained.
const recordTTL = 30 * 24 * time.Hour

// Match describes a fuzzy fingerprint hit.
type Match struct {
	// Similarity is an integer percentage of matching components.
	Similarity int `json:"similarity"`

	// MatchedKey is the truncated hash of the matching record.
	MatchedKey string `json:"matched_key"`

	// MatchingComponents lists the component names that agreed.
	MatchingComponents []string `json:"matching_components"`
}

// Index stores fingerprint component records and answers exact and fuzzy
// lookups.
type Index struct {
	store domain.Store
}

// NewIndex creates an index over the given store.
func NewIndex(store domain.Store) *Index {
	return &Index{store: store}
}

// Record persists the component record for a fingerprint hash.
func (ix *Index) Record(ctx context.Context, hash string, fp *domain.Fingerprint) error {
	if hash == "" || fp == nil || fp.Empty() {
		return nil
	}

	data, err := json.Marshal(fp.Components())
	if err != nil {
		return fmt.Errorf("failed to marshal fingerprint: %w", err)
	}
	return ix.store.SetValue(ctx, "fingerprint:"+hash, string(data), recordTTL)
}

// FindSimilar scans stored component records and returns the first record
// whose similarity to fp meets the threshold, or nil when none does.
// First-match-wins: the scan stops at the first record over the threshold
// rather than searching for the best one.
func (ix *Index) FindSimilar(ctx context.Context, fp *domain.Fingerprint, threshold int) (*Match, error) {
	if fp == nil || fp.Empty() {
		return nil, nil
	}

	keys, err := ix.store.Scan(ctx, "fingerprint:*")
	if err != nil {
		return nil, err
	}

	candidate := fp.Components()

	for _, key := range keys {
		raw, err := ix.store.GetValue(ctx, key)
		if err != nil {
			return nil, err
		}
		if raw == "" {
			continue
		}

		var stored map[string]string
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			// Malformed record; skip rather than abort the whole scan.
			slog.Debug("skipping malformed fingerprint record", "key", key)
			continue
		}

		similarity := Similarity(candidate, stored)
		if similarity >= threshold {
			return &Match{
				Similarity:         similarity,
				MatchedKey:         truncateKey(key),
				MatchingComponents: matching(candidate, stored),
			}, nil
		}
	}

	return nil, nil
}

// Similarity returns the integer percentage of matching components
// between two fingerprints. Only components present on both sides are
// comparable; zero comparable components yield 0.
func Similarity(fp1, fp2 map[string]string) int {
	matches := 0
	total := 0

	for _, comp := range components {
		v1, ok1 := fp1[comp]
		v2, ok2 := fp2[comp]
		if !ok1 || !ok2 {
			continue
		}
		total++
		if v1 == v2 {
			matches++
		}
	}

	if total == 0 {
		return 0
	}
	return matches * 100 / total
}

// matching returns the names of components that agree between the two
// fingerprints.
func matching(fp1, fp2 map[string]string) []string {
	var out []string
	for _, comp := range components {
		v1, ok1 := fp1[comp]
		v2, ok2 := fp2[comp]
		if ok1 && ok2 && v1 == v2 {
			out = append(out, comp)
		}
	}
	return out
}

// truncateKey shortens a record key for metadata so full hashes never
// leak into logs or responses.
func truncateKey(key string) string {
	const prefix = "fingerprint:"
	hash := key
	if len(key) > len(prefix) {
		hash = key[len(prefix):]
	}
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return hash + "..."
}
