package index

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PGVector stores chunk embeddings in a pgvector column and answers
// nearest-neighbour queries with the cosine distance operator.
type PGVector struct {
	DB *sql.DB
}

// NewPGVector wraps an existing Postgres connection.
func NewPGVector(db *sql.DB) *PGVector {
	return &PGVector{DB: db}
}

// Upsert writes or overwrites embeddings keyed by chunk id.
func (p *PGVector) Upsert(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chunk_embeddings (chunk_id, session_id, chamber, session_date, embedding, created_at)
VALUES ($1,$2,$3,$4,$5::vector,NOW())
ON CONFLICT (chunk_id) DO UPDATE SET
  session_id=EXCLUDED.session_id,
  chamber=EXCLUDED.chamber,
  session_date=EXCLUDED.session_date,
  embedding=EXCLUDED.embedding`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if len(rec.Vector) == 0 {
			return fmt.Errorf("embedding vector required for chunk %s", rec.ChunkID)
		}
		lit, err := encodeVectorLiteral(rec.Vector)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, rec.ChunkID, rec.SessionID, rec.Chamber, rec.SessionDate, lit); err != nil {
			return fmt.Errorf("upsert embedding %s: %w", rec.ChunkID, err)
		}
	}
	return tx.Commit()
}

// Delete removes embeddings by chunk id.
func (p *PGVector) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	placeholders := make([]string, len(chunkIDs))
	args := make([]interface{}, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := p.DB.ExecContext(ctx,
		`DELETE FROM chunk_embeddings WHERE chunk_id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete embeddings: %w", err)
	}
	return nil
}

// Query returns the k nearest chunks for sessions already marked complete.
func (p *PGVector) Query(ctx context.Context, vector []float32, f Filters, k int) ([]Candidate, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if k <= 0 {
		k = 10
	}
	lit, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}

	query := `
SELECT e.chunk_id, e.session_id, e.session_date, 1 - (e.embedding <=> $1::vector) AS similarity
FROM chunk_embeddings e
JOIN sessions s ON s.session_id = e.session_id AND s.status = 'complete'
WHERE 1=1`
	args := []interface{}{lit}
	idx := 2
	if f.Chamber != "" {
		query += fmt.Sprintf(" AND e.chamber = $%d", idx)
		args = append(args, f.Chamber)
		idx++
	}
	if !f.From.IsZero() {
		query += fmt.Sprintf(" AND e.session_date >= $%d", idx)
		args = append(args, f.From)
		idx++
	}
	if !f.To.IsZero() {
		query += fmt.Sprintf(" AND e.session_date <= $%d", idx)
		args = append(args, f.To)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY e.embedding <=> $1::vector LIMIT $%d", idx)
	args = append(args, k)

	rows, err := p.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ChunkID, &c.SessionID, &c.SessionDate, &c.Score); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListIDs returns every indexed chunk id for a session.
func (p *PGVector) ListIDs(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT chunk_id FROM chunk_embeddings WHERE session_id=$1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list index ids: %w", err)
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

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
