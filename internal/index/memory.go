package index

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Memory is an in-process Index used in tests and for small local corpora.
// Sessions must be marked visible before their chunks surface in queries,
// mirroring the complete-only scoping of the Postgres implementation.
type Memory struct {
	mu      sync.RWMutex
	recs    map[string]Record
	visible map[string]bool
}

// NewMemory returns an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]Record), visible: make(map[string]bool)}
}

// SetSessionVisible marks a session's chunks as retrievable.
func (m *Memory) SetSessionVisible(sessionID string, visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visible[sessionID] = visible
}

func (m *Memory) Upsert(_ context.Context, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range recs {
		m.recs[rec.ChunkID] = rec
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chunkIDs {
		delete(m.recs, id)
	}
	return nil
}

func (m *Memory) Query(_ context.Context, vector []float32, f Filters, k int) ([]Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Candidate
	for _, rec := range m.recs {
		if !m.visible[rec.SessionID] {
			continue
		}
		if f.Chamber != "" && rec.Chamber != f.Chamber {
			continue
		}
		if !f.From.IsZero() && rec.SessionDate.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && rec.SessionDate.After(f.To) {
			continue
		}
		out = append(out, Candidate{
			ChunkID:     rec.ChunkID,
			SessionID:   rec.SessionID,
			SessionDate: rec.SessionDate,
			Score:       cosine(vector, rec.Vector),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *Memory) ListIDs(_ context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, rec := range m.recs {
		if rec.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
