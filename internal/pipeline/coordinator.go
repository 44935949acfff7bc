package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fandrade/parlatrack/internal/index"
	"github.com/fandrade/parlatrack/models"
)

// Outcome reports what happened to a session on one Advance call.
type Outcome struct {
	// Status is the session status after the call.
	Status models.SessionStatus
	// Done means the session reached a terminal status (complete or failed).
	Done bool
	// Retry means a transient failure consumed an attempt and the session
	// should be re-queued after Backoff.
	Retry   bool
	Backoff time.Duration
}

// Coordinator drives sessions through the stage machine one stage at a time.
// Callers are expected to hold the per-session lease while advancing.
type Coordinator struct {
	store       StoreAPI
	acquirer    Acquirer
	transcriber Transcriber
	structurer  Structurer
	indexer     *Indexer
	index       index.Index
	keyword     *index.Keyword

	maxAttempts  int
	backoffBase  time.Duration
	backoffMax   time.Duration
	stageTimeout time.Duration

	logger *log.Logger
}

// NewCoordinator wires the stage executors into a Coordinator.
func NewCoordinator(store StoreAPI, acquirer Acquirer, transcriber Transcriber, structurer Structurer,
	indexer *Indexer, idx index.Index, keyword *index.Keyword,
	maxAttempts int, backoffBase, backoffMax, stageTimeout time.Duration) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 30 * time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 15 * time.Minute
	}
	return &Coordinator{
		store:        store,
		acquirer:     acquirer,
		transcriber:  transcriber,
		structurer:   structurer,
		indexer:      indexer,
		index:        idx,
		keyword:      keyword,
		maxAttempts:  maxAttempts,
		backoffBase:  backoffBase,
		backoffMax:   backoffMax,
		stageTimeout: stageTimeout,
		logger:       log.New(os.Stdout, "[pipeline] ", log.LstdFlags),
	}
}

// Advance executes the next pending stage for the session. It moves the
// session exactly one status forward on success; terminal sessions are
// returned untouched.
func (c *Coordinator) Advance(ctx context.Context, id string) (Outcome, error) {
	sess, err := c.store.GetSession(ctx, id)
	if err != nil {
		return Outcome{}, fmt.Errorf("load session %s: %w", id, err)
	}

	stage, ok := models.StageFor(sess.Status)
	if !ok {
		return Outcome{Status: sess.Status, Done: true}, nil
	}

	// Discovered sessions are claimed by flipping to the running status;
	// losing the race means another worker got there first.
	if sess.Status == models.StatusDiscovered {
		moved, err := c.store.TransitionStatus(ctx, id, models.StatusDiscovered, models.StatusAcquiring)
		if err != nil {
			return Outcome{}, fmt.Errorf("claim session %s: %w", id, err)
		}
		if !moved {
			fresh, err := c.store.GetSession(ctx, id)
			if err != nil {
				return Outcome{}, err
			}
			sess = fresh
			if stage, ok = models.StageFor(sess.Status); !ok {
				return Outcome{Status: sess.Status, Done: true}, nil
			}
		} else {
			sess.Status = models.StatusAcquiring
		}
	}

	stageCtx := ctx
	if c.stageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, c.stageTimeout)
		defer cancel()
	}

	if err := c.runStage(stageCtx, &sess, stage); err != nil {
		return c.onStageError(ctx, sess.ID, stage, err)
	}

	next := models.NextStatus(stage)
	moved, err := c.store.TransitionStatus(ctx, id, models.RunningStatus(stage), next)
	if err != nil {
		return Outcome{}, fmt.Errorf("advance session %s past %s: %w", id, stage, err)
	}
	if !moved {
		// Someone reset or failed the session underneath us; report reality.
		fresh, err := c.store.GetSession(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		_, runnable := models.StageFor(fresh.Status)
		return Outcome{Status: fresh.Status, Done: !runnable}, nil
	}
	c.logger.Printf("session %s: %s done, now %s", id, stage, next)
	return Outcome{Status: next, Done: next == models.StatusComplete}, nil
}

func (c *Coordinator) runStage(ctx context.Context, sess *models.Session, stage models.Stage) error {
	switch stage {
	case models.StageAcquire:
		docs, err := c.acquirer.Acquire(ctx, sess.Metadata)
		if err != nil {
			return err
		}
		if err := c.store.SaveDocuments(ctx, sess.ID, docs); err != nil {
			return Transient("save documents", err)
		}
		sess.Documents = docs
		return nil

	case models.StageTranscribe:
		segments, err := c.transcriber.Transcribe(ctx, sess.Metadata.VideoURL)
		if err != nil {
			return err
		}
		if err := c.store.SaveTranscript(ctx, sess.ID, segments); err != nil {
			return Transient("save transcript", err)
		}
		sess.Transcript = segments
		return nil

	case models.StageStructure:
		report, err := c.structurer.Extract(ctx, sess)
		if err != nil {
			return err
		}
		if err := c.store.SaveReport(ctx, sess.ID, report); err != nil {
			return Transient("save report", err)
		}
		sess.Report = report
		return nil

	case models.StageIndex:
		return c.indexer.Run(ctx, sess)
	}
	return fmt.Errorf("unknown stage %q", stage)
}

func (c *Coordinator) onStageError(ctx context.Context, id string, stage models.Stage, stageErr error) (Outcome, error) {
	switch {
	case IsConfiguration(stageErr):
		// Operator problem. Do not consume an attempt or fail the session;
		// surface it so the worker stops and the message stays pending.
		return Outcome{}, stageErr

	case IsPermanent(stageErr):
		c.logger.Printf("session %s: %s failed permanently: %v", id, stage, stageErr)
		if err := c.store.MarkFailed(ctx, id, stage, stageErr.Error()); err != nil {
			return Outcome{}, fmt.Errorf("mark session %s failed: %w", id, err)
		}
		return Outcome{Status: models.StatusFailed, Done: true}, nil

	default:
		// Transient, including timeouts and anything unclassified.
		attempts, err := c.store.BumpAttempt(ctx, id, stage, stageErr.Error())
		if err != nil {
			return Outcome{}, fmt.Errorf("record attempt for %s: %w", id, err)
		}
		if attempts >= c.maxAttempts {
			c.logger.Printf("session %s: %s exhausted %d attempts: %v", id, stage, attempts, stageErr)
			if err := c.store.MarkFailed(ctx, id, stage, stageErr.Error()); err != nil {
				return Outcome{}, fmt.Errorf("mark session %s failed: %w", id, err)
			}
			return Outcome{Status: models.StatusFailed, Done: true}, nil
		}
		backoff := c.backoffFor(attempts)
		c.logger.Printf("session %s: %s attempt %d/%d failed, retrying in %s: %v",
			id, stage, attempts, c.maxAttempts, backoff, stageErr)
		return Outcome{Status: models.RunningStatus(stage), Retry: true, Backoff: backoff}, nil
	}
}

func (c *Coordinator) backoffFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.backoffBase * time.Duration(1<<(attempt-1))
	if d > c.backoffMax || d <= 0 {
		d = c.backoffMax
	}
	return d
}

// Reset returns a session to discovered and clears everything downstream:
// vectors and keyword entries first, then the stored artifacts. This is the
// only sanctioned way backwards through the state machine.
func (c *Coordinator) Reset(ctx context.Context, id string) error {
	chunkIDs, err := c.store.ListChunkIDs(ctx, id)
	if err != nil {
		return fmt.Errorf("list chunks for %s: %w", id, err)
	}
	if len(chunkIDs) > 0 {
		if c.index != nil {
			if err := c.index.Delete(ctx, chunkIDs); err != nil {
				return fmt.Errorf("delete vectors for %s: %w", id, err)
			}
		}
		if c.keyword != nil {
			if err := c.keyword.Delete(chunkIDs); err != nil {
				return fmt.Errorf("delete keyword entries for %s: %w", id, err)
			}
		}
	}
	if err := c.store.ResetSession(ctx, id); err != nil {
		return fmt.Errorf("reset session %s: %w", id, err)
	}
	c.logger.Printf("session %s: reset to %s", id, models.StatusDiscovered)
	return nil
}
