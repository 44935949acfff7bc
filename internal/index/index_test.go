package index

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/fandrade/parlatrack/models"
)

func chunksFor(sessionID, text string) []models.Chunk {
	return []models.Chunk{{ID: models.ChunkID(sessionID, 0), SessionID: sessionID, Seq: 0, Text: text}}
}

func TestMemoryVisibilityScoping(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Upsert(ctx, []Record{
		{ChunkID: "a", SessionID: "done", Vector: []float32{1, 0}},
		{ChunkID: "b", SessionID: "in-flight", Vector: []float32{1, 0}},
	})
	m.SetSessionVisible("done", true)

	out, err := m.Query(ctx, []float32{1, 0}, Filters{}, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 1 || out[0].SessionID != "done" {
		t.Errorf("incomplete session leaked into results: %+v", out)
	}
}

func TestMemoryFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.Upsert(ctx, []Record{
		{ChunkID: "a", SessionID: "s1", Chamber: "senate", SessionDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), Vector: []float32{1, 0}},
		{ChunkID: "b", SessionID: "s2", Chamber: "deputies", SessionDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), Vector: []float32{1, 0}},
	})
	m.SetSessionVisible("s1", true)
	m.SetSessionVisible("s2", true)

	out, _ := m.Query(ctx, []float32{1, 0}, Filters{Chamber: "senate"}, 10)
	if len(out) != 1 || out[0].ChunkID != "a" {
		t.Errorf("chamber filter: %+v", out)
	}
	out, _ = m.Query(ctx, []float32{1, 0}, Filters{From: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}, 10)
	if len(out) != 1 || out[0].ChunkID != "b" {
		t.Errorf("from filter: %+v", out)
	}
}

func TestMemoryUpsertOverwritesAndDeleteRemoves(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SetSessionVisible("s1", true)
	m.Upsert(ctx, []Record{{ChunkID: "a", SessionID: "s1", Vector: []float32{1, 0}}})
	m.Upsert(ctx, []Record{{ChunkID: "a", SessionID: "s1", Vector: []float32{0, 1}}})

	ids, _ := m.ListIDs(ctx, "s1")
	if len(ids) != 1 {
		t.Fatalf("upsert duplicated: %v", ids)
	}
	out, _ := m.Query(ctx, []float32{0, 1}, Filters{}, 1)
	if len(out) != 1 || out[0].Score < 0.99 {
		t.Errorf("overwrite did not take: %+v", out)
	}

	m.Delete(ctx, []string{"a"})
	if ids, _ := m.ListIDs(ctx, "s1"); len(ids) != 0 {
		t.Errorf("delete left %v", ids)
	}
}

func TestEncodeVectorLiteral(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{0.5, -1, 2.25})
	if err != nil {
		t.Fatalf("encodeVectorLiteral: %v", err)
	}
	if lit != "[0.5,-1,2.25]" {
		t.Errorf("literal %q", lit)
	}
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Error("empty vector accepted")
	}
}

func TestPGVectorQueryScopesToCompleteSessions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	p := NewPGVector(db)

	date := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`JOIN sessions s ON s\.session_id = e\.session_id AND s\.status = 'complete'`).
		WithArgs("[1,0]", "senate", 5).
		WillReturnRows(sqlmock.NewRows([]string{"chunk_id", "session_id", "session_date", "similarity"}).
			AddRow("c1", "s1", date, 0.93))

	out, err := p.Query(context.Background(), []float32{1, 0}, Filters{Chamber: "senate"}, 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 1 || out[0].ChunkID != "c1" || out[0].Score != 0.93 {
		t.Errorf("candidates %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPGVectorDeleteBatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	p := NewPGVector(db)

	mock.ExpectExec(`DELETE FROM chunk_embeddings WHERE chunk_id IN \(\$1,\$2\)`).
		WithArgs("a", "b").
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := p.Delete(context.Background(), []string{"a", "b"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestKeywordRoundTrip(t *testing.T) {
	k, err := OpenKeyword("")
	if err != nil {
		t.Fatalf("OpenKeyword: %v", err)
	}
	defer k.Close()

	if err := k.Put(chunksFor("s1", "the committee debated the mining royalty bill")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := k.Put(chunksFor("s2", "a quiet procedural sitting about scheduling")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	hits, err := k.Search("mining royalty", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].SessionID != "s1" {
		t.Fatalf("hits %+v", hits)
	}
	if hits[0].Rank != 1 {
		t.Errorf("top hit rank %d", hits[0].Rank)
	}
}
