// Package audit cross-checks the document store against the vector index and
// re-queues indexing for any completed session where the two disagree.
package audit

import (
	"context"
	"log"
	"os"
	"sort"

	"github.com/fandrade/parlatrack/internal/discovery"
	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/internal/queue/streams"
	"github.com/fandrade/parlatrack/models"
)

// StoreAPI is the slice of the session store the auditor reads and repairs.
type StoreAPI interface {
	ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error)
	ListChunkIDs(ctx context.Context, sessionID string) ([]string, error)
	RequeueIndexing(ctx context.Context, id string) (bool, error)
}

// Lister is the slice of the vector index the auditor needs.
type Lister interface {
	ListIDs(ctx context.Context, sessionID string) ([]string, error)
}

// Auditor compares chunk sets per completed session.
type Auditor struct {
	store  StoreAPI
	index  Lister
	pub    discovery.Publisher
	logger *log.Logger
}

// New builds an Auditor. pub may be nil; repairs are then recorded but the
// session waits for the next worker sweep instead of being queued directly.
func New(store StoreAPI, idx Lister, pub discovery.Publisher) *Auditor {
	return &Auditor{
		store:  store,
		index:  idx,
		pub:    pub,
		logger: log.New(os.Stdout, "[audit] ", log.LstdFlags),
	}
}

// Report is the outcome of one audit sweep.
type Report struct {
	Checked   int
	Divergent []pipeline.ConsistencyError
	Requeued  []string
}

// Run checks every completed session and re-queues indexing where the stored
// chunk set and the indexed chunk set diverge. Requeueing is the sanctioned
// complete -> indexing exception to the forward-only state machine.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	sessions, err := a.store.ListSessionsByStatus(ctx, models.StatusComplete)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, sess := range sessions {
		report.Checked++

		stored, err := a.store.ListChunkIDs(ctx, sess.ID)
		if err != nil {
			return report, err
		}
		indexed, err := a.index.ListIDs(ctx, sess.ID)
		if err != nil {
			return report, err
		}

		missingIndex := difference(stored, indexed)
		missingDocs := difference(indexed, stored)
		if len(missingIndex) == 0 && len(missingDocs) == 0 {
			continue
		}

		divergence := pipeline.ConsistencyError{
			SessionID:    sess.ID,
			MissingDocs:  missingDocs,
			MissingIndex: missingIndex,
		}
		report.Divergent = append(report.Divergent, divergence)
		a.logger.Printf("session %s diverged: %v", sess.ID, &divergence)

		requeued, err := a.store.RequeueIndexing(ctx, sess.ID)
		if err != nil {
			return report, err
		}
		if !requeued {
			// The session moved since we listed it; next sweep re-checks.
			continue
		}
		report.Requeued = append(report.Requeued, sess.ID)
		if a.pub != nil {
			if _, err := a.pub.PublishRaw(ctx, streams.StreamSessionAdvance, "session.audit_requeue", 0,
				discovery.AdvancePayload{SessionID: sess.ID}); err != nil {
				a.logger.Printf("queue %s: %v", sess.ID, err)
			}
		}
	}
	return report, nil
}

// difference returns the elements of a that are not in b, sorted.
func difference(a, b []string) []string {
	have := make(map[string]struct{}, len(b))
	for _, id := range b {
		have[id] = struct{}{}
	}
	var out []string
	for _, id := range a {
		if _, ok := have[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
