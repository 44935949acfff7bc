package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fandrade/parlatrack/models"
)

// ErrNotFound is returned when a session or chunk does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the Postgres registry: sessions, chunks and index metadata.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a Postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

const sessionColumns = `session_id, chamber, committee, title, session_date, metadata, content_hash,
status, failed_stage, attempts, last_error, documents, transcript, report, chunk_ids, created_at, updated_at`

// UpsertDiscovered registers a newly discovered session. Re-running discovery
// never creates a second row for the same session_id. It reports whether the
// row was created, and for known sessions whether the upstream content hash
// changed since the last sweep. On a change the stored metadata and hash are
// refreshed, so reprocessing picks up the new source URLs and the next sweep
// sees the session as unchanged again.
func (s *Store) UpsertDiscovered(ctx context.Context, sess models.Session) (created bool, changed bool, err error) {
	metaBytes, err := json.Marshal(sess.Metadata)
	if err != nil {
		return false, false, fmt.Errorf("marshal metadata: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO sessions (session_id, chamber, committee, title, session_date, metadata, content_hash, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,'discovered',NOW(),NOW())
ON CONFLICT (session_id) DO NOTHING
`, sess.ID, sess.Metadata.Chamber, sess.Metadata.Committee, sess.Metadata.Title, sess.Metadata.Date, metaBytes, sess.ContentHash)
	if err != nil {
		return false, false, fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, false, nil
	}

	var existing string
	if err := s.DB.QueryRowContext(ctx, `SELECT content_hash FROM sessions WHERE session_id=$1`, sess.ID).Scan(&existing); err != nil {
		return false, false, fmt.Errorf("read content hash: %w", err)
	}
	if existing == sess.ContentHash {
		return false, false, nil
	}
	_, err = s.DB.ExecContext(ctx, `
UPDATE sessions SET chamber=$2, committee=$3, title=$4, session_date=$5, metadata=$6, content_hash=$7, updated_at=NOW()
WHERE session_id=$1`, sess.ID, sess.Metadata.Chamber, sess.Metadata.Committee, sess.Metadata.Title, sess.Metadata.Date, metaBytes, sess.ContentHash)
	if err != nil {
		return false, false, fmt.Errorf("update changed session: %w", err)
	}
	return false, true, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id=$1`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

// ListSessionsByStatus returns sessions in any of the given statuses, oldest
// update first so stalled work surfaces before fresh work.
func (s *Store) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	vals := make([]string, len(statuses))
	for i, st := range statuses {
		vals[i] = string(st)
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM sessions WHERE status = ANY($1) ORDER BY updated_at ASC`, pq.Array(vals))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// CompleteSessionDates maps each given session id to its date, including
// only sessions whose status is complete. Retrieval uses it to keep
// in-flight sessions out of keyword results.
func (s *Store) CompleteSessionDates(ctx context.Context, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT session_id, session_date FROM sessions WHERE session_id = ANY($1) AND status='complete'`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("list complete sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var date time.Time
		if err := rows.Scan(&id, &date); err != nil {
			return nil, fmt.Errorf("scan session date: %w", err)
		}
		out[id] = date
	}
	return out, rows.Err()
}

// ListSessions returns a page of sessions ordered by date descending.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]models.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+sessionColumns+` FROM sessions ORDER BY session_date DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

// TransitionStatus moves a session from one status to another, returning
// false when the session was not in the expected status. This is the only
// way the pipeline mutates status, so the forward-only invariant holds even
// under concurrent workers.
func (s *Store) TransitionStatus(ctx context.Context, id string, from, to models.SessionStatus) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
UPDATE sessions SET status=$3, updated_at=NOW() WHERE session_id=$1 AND status=$2`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SaveDocuments persists the acquisition stage output.
func (s *Store) SaveDocuments(ctx context.Context, id string, docs []models.Document) error {
	b, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshal documents: %w", err)
	}
	return s.execOne(ctx, `UPDATE sessions SET documents=$2, updated_at=NOW() WHERE session_id=$1`, id, b)
}

// SaveTranscript persists the transcription stage output.
func (s *Store) SaveTranscript(ctx context.Context, id string, segments []models.TranscriptSegment) error {
	b, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	return s.execOne(ctx, `UPDATE sessions SET transcript=$2, updated_at=NOW() WHERE session_id=$1`, id, b)
}

// SaveReport persists the structuring stage output.
func (s *Store) SaveReport(ctx context.Context, id string, report *models.StructuredReport) error {
	b, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return s.execOne(ctx, `UPDATE sessions SET report=$2, updated_at=NOW() WHERE session_id=$1`, id, b)
}

// BumpAttempt increments the attempt counter for a stage and records the
// error message, returning the new count.
func (s *Store) BumpAttempt(ctx context.Context, id string, stage models.Stage, lastErr string) (int, error) {
	var count int
	err := s.DB.QueryRowContext(ctx, `
UPDATE sessions
SET attempts = jsonb_set(COALESCE(attempts,'{}'::jsonb), ARRAY[$2], to_jsonb(COALESCE((attempts->>$2)::int,0) + 1)),
    last_error = $3,
    updated_at = NOW()
WHERE session_id=$1
RETURNING (attempts->>$2)::int`, id, string(stage), lastErr).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("bump attempt: %w", err)
	}
	return count, nil
}

// MarkFailed parks a session in the failed state, remembering which stage
// raised the error.
func (s *Store) MarkFailed(ctx context.Context, id string, stage models.Stage, reason string) error {
	return s.execOne(ctx, `
UPDATE sessions SET status='failed', failed_stage=$2, last_error=$3, updated_at=NOW()
WHERE session_id=$1 AND status NOT IN ('complete')`, id, string(stage), reason)
}

// ResetSession is the manual re-trigger: back to discovered with all
// downstream artifacts cleared. Chunks cascade-delete; vector entries are the
// caller's responsibility (the coordinator deletes them first).
func (s *Store) ResetSession(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE sessions
SET status='discovered', failed_stage='', attempts='{}'::jsonb, last_error='',
    documents=NULL, transcript=NULL, report=NULL, chunk_ids='{}', updated_at=NOW()
WHERE session_id=$1`, id)
	if err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE session_id=$1`, id); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return tx.Commit()
}

// RequeueIndexing moves a complete session back to indexing. Only the
// consistency audit uses this; it is the single sanctioned exception to the
// forward-only rule besides ResetSession.
func (s *Store) RequeueIndexing(ctx context.Context, id string) (bool, error) {
	return s.TransitionStatus(ctx, id, models.StatusComplete, models.StatusIndexing)
}

// ReplaceChunks overwrites the chunk set for a session: upserts the new
// chunks, deletes rows whose deterministic ids are no longer produced, and
// records the ordered id list on the session row.
func (s *Store) ReplaceChunks(ctx context.Context, sessionID string, chunks []models.Chunk) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace chunks: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		span, err := json.Marshal(c.Span)
		if err != nil {
			return fmt.Errorf("marshal span: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chunks (chunk_id, session_id, seq, text, span, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (chunk_id) DO UPDATE SET seq=EXCLUDED.seq, text=EXCLUDED.text, span=EXCLUDED.span`,
			c.ID, c.SessionID, c.Seq, c.Text, span); err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ID, err)
		}
		ids = append(ids, c.ID)
	}

	// stale chunks from a previous chunking scheme
	if _, err := tx.ExecContext(ctx, `
DELETE FROM chunks WHERE session_id=$1 AND NOT (chunk_id = ANY($2))`, sessionID, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete stale chunks: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE sessions SET chunk_ids=$2, updated_at=NOW() WHERE session_id=$1`, sessionID, pq.Array(ids)); err != nil {
		return fmt.Errorf("update chunk ids: %w", err)
	}
	return tx.Commit()
}

// ListChunkIDs returns the stored chunk ids for a session in order.
func (s *Store) ListChunkIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT chunk_id FROM chunks WHERE session_id=$1 ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list chunk ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetChunks loads chunk records by id. Missing ids are skipped, not errors.
func (s *Store) GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT chunk_id, session_id, seq, text, span FROM chunks WHERE chunk_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get chunks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]models.Chunk)
	for rows.Next() {
		var c models.Chunk
		var span []byte
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Seq, &c.Text, &span); err != nil {
			return nil, err
		}
		if len(span) > 0 {
			if err := json.Unmarshal(span, &c.Span); err != nil {
				return nil, fmt.Errorf("unmarshal span: %w", err)
			}
		}
		byID[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Chunk, 0, len(byID))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// GetMeta reads one index metadata value (e.g. the embedding model the
// corpus was indexed with).
func (s *Store) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes one index metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO index_meta (key, value, updated_at) VALUES ($1,$2,NOW())
ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (models.Session, error) {
	var sess models.Session
	var (
		chamber, committee, title         string
		sessionDate                       time.Time
		metaBytes                         []byte
		failedStage                       string
		attemptBytes                      []byte
		documents, transcript, reportJSON []byte
	)
	var status string
	err := row.Scan(&sess.ID, &chamber, &committee, &title, &sessionDate, &metaBytes, &sess.ContentHash,
		&status, &failedStage, &attemptBytes, &sess.LastError,
		&documents, &transcript, &reportJSON, pq.Array(&sess.ChunkIDs), &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return models.Session{}, err
	}
	sess.Status = models.SessionStatus(status)
	sess.FailedStage = models.Stage(failedStage)
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &sess.Metadata); err != nil {
			return models.Session{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if sess.Metadata.Chamber == "" {
		sess.Metadata.Chamber = chamber
	}
	if sess.Metadata.Committee == "" {
		sess.Metadata.Committee = committee
	}
	if sess.Metadata.Title == "" {
		sess.Metadata.Title = title
	}
	if sess.Metadata.Date.IsZero() {
		sess.Metadata.Date = sessionDate
	}
	if len(attemptBytes) > 0 {
		if err := json.Unmarshal(attemptBytes, &sess.Attempts); err != nil {
			return models.Session{}, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	if len(documents) > 0 {
		if err := json.Unmarshal(documents, &sess.Documents); err != nil {
			return models.Session{}, fmt.Errorf("unmarshal documents: %w", err)
		}
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &sess.Transcript); err != nil {
			return models.Session{}, fmt.Errorf("unmarshal transcript: %w", err)
		}
	}
	if len(reportJSON) > 0 {
		var report models.StructuredReport
		if err := json.Unmarshal(reportJSON, &report); err != nil {
			return models.Session{}, fmt.Errorf("unmarshal report: %w", err)
		}
		sess.Report = &report
	}
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]models.Session, error) {
	var out []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
