// Package metricid derives and tracks the 16-byte metric identifiers
// described in spec.md §3: a legacy single-host form and a multihost form
// that wraps it with a machine GUID.
package metricid

import (
	"crypto/sha256"
	"sync"

	"github.com/google/uuid"
)

// ID is the 16-byte metric identifier used throughout the engine.
type ID [16]byte

// String renders the id in canonical UUID text form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Legacy derives the legacy single-host metric UUID: the leading 16 bytes
// of SHA-256(dimID || chartID). This matches the pre-multihost derivation
// used by older single-host databases.
func Legacy(dimID, chartID string) ID {
	h := sha256.Sum256(append([]byte(dimID), []byte(chartID)...))
	var out ID
	copy(out[:], h[:16])
	return out
}

// Multihost derives the multihost metric UUID: the leading 16 bytes of
// SHA-256(machineGUID || legacy). Deterministic: calling Multihost twice
// with the same inputs yields the same bytes.
func Multihost(machineGUID string, legacy ID) ID {
	buf := make([]byte, 0, len(machineGUID)+len(legacy))
	buf = append(buf, []byte(machineGUID)...)
	buf = append(buf, legacy[:]...)
	h := sha256.Sum256(buf)
	var out ID
	copy(out[:], h[:16])
	return out
}

// Resolver tracks the legacy->multihost rewrite described in spec.md §8
// scenario 5: a database built under the legacy scheme must have its
// dimension UUIDs rewritten to the multihost form, exactly once, the
// first time that dimension is seen under a known machine GUID.
//
// Resolver is not itself the page index; it only decides, given a
// (dimID, chartID) pair and the active machine GUID, which ID a new or
// existing collector/query should address the metric index under.
type Resolver struct {
	machineGUID string

	mu sync.RWMutex

	// legacyToMultihost records the rewrite already performed for a given
	// legacy id, so repeated lookups are idempotent without recomputing
	// the hash chain each time. Guarded by mu: Resolve/RewriteLegacy run
	// on arbitrary collector goroutines per spec.md §5.
	legacyToMultihost map[ID]ID
}

// NewResolver creates a resolver bound to one host's machine GUID.
func NewResolver(machineGUID string) *Resolver {
	return &Resolver{
		machineGUID:       machineGUID,
		legacyToMultihost: make(map[ID]ID),
	}
}

// Resolve returns the multihost ID a dimension should be addressed
// under, computing and caching the legacy->multihost rewrite on first
// sight. It is safe to call repeatedly for the same (dimID, chartID)
// pair; the result never changes once computed.
func (r *Resolver) Resolve(dimID, chartID string) ID {
	legacy := Legacy(dimID, chartID)

	r.mu.RLock()
	existing, ok := r.legacyToMultihost[legacy]
	r.mu.RUnlock()
	if ok {
		return existing
	}

	multihost := Multihost(r.machineGUID, legacy)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.legacyToMultihost[legacy]; ok {
		return existing
	}
	r.legacyToMultihost[legacy] = multihost
	return multihost
}

// RewriteLegacy reports the multihost ID that legacy must be rewritten to
// when a page index entry is discovered still keyed under its legacy
// form (spec.md §8 scenario 5). Callers use the result to relocate the
// existing per-metric index entry rather than creating a duplicate.
func (r *Resolver) RewriteLegacy(legacy ID) ID {
	r.mu.RLock()
	existing, ok := r.legacyToMultihost[legacy]
	r.mu.RUnlock()
	if ok {
		return existing
	}

	multihost := Multihost(r.machineGUID, legacy)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.legacyToMultihost[legacy]; ok {
		return existing
	}
	r.legacyToMultihost[legacy] = multihost
	return multihost
}
