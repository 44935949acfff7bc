package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/fandrade/parlatrack/config"
	"github.com/fandrade/parlatrack/internal/index"
	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/models"
)

type fakeStore struct {
	chunks   map[string]models.Chunk
	meta     map[string]string
	complete map[string]time.Time
}

func (f *fakeStore) GetChunks(_ context.Context, ids []string) ([]models.Chunk, error) {
	var out []models.Chunk
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetMeta(_ context.Context, key string) (string, bool, error) {
	v, ok := f.meta[key]
	return v, ok, nil
}

func (f *fakeStore) CompleteSessionDates(_ context.Context, ids []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	for _, id := range ids {
		if date, ok := f.complete[id]; ok {
			out[id] = date
		}
	}
	return out, nil
}

type fakeLLM struct {
	answer     string
	chatCalls  int
	embedCalls int
	model      string
	lastUser   string
}

func (f *fakeLLM) ChatCompletion(_ context.Context, system, user string) (string, error) {
	f.chatCalls++
	f.lastUser = user
	return f.answer, nil
}

func (f *fakeLLM) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	f.embedCalls++
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func (f *fakeLLM) EmbeddingModel() string {
	if f.model != "" {
		return f.model
	}
	return "test-embed"
}

func fixtureEngine(t *testing.T, llm *fakeLLM, cfg config.RetrievalConfig) (*Engine, *index.Memory, *fakeStore) {
	t.Helper()
	mem := index.NewMemory()
	store := &fakeStore{
		chunks:   make(map[string]models.Chunk),
		meta:     map[string]string{pipeline.MetaEmbeddingModel: "test-embed"},
		complete: make(map[string]time.Time),
	}
	eng := NewEngine(store, mem, nil, llm, cfg)
	eng.now = func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	return eng, mem, store
}

// seed adds a session with n chunks at the given similarity to the query
// vector {1,0}.
func seed(mem *index.Memory, store *fakeStore, sessionID string, date time.Time, n int, similarity float32) {
	recs := make([]index.Record, n)
	for i := 0; i < n; i++ {
		id := models.ChunkID(sessionID, i)
		recs[i] = index.Record{
			ChunkID:     id,
			SessionID:   sessionID,
			SessionDate: date,
			Vector:      []float32{similarity, 1 - similarity},
		}
		store.chunks[id] = models.Chunk{
			ID:        id,
			SessionID: sessionID,
			Seq:       i,
			Text:      "fragment text for " + sessionID,
			Span:      models.SourceSpan{Kind: "transcript", Start: float64(i * 60), End: float64((i + 1) * 60)},
		}
	}
	mem.Upsert(context.Background(), recs)
	mem.SetSessionVisible(sessionID, true)
	store.complete[sessionID] = date
}

func TestAnswerNoCandidatesSkipsModel(t *testing.T) {
	llm := &fakeLLM{answer: "should not be called"}
	eng, _, _ := fixtureEngine(t, llm, config.RetrievalConfig{TopK: 5})

	res, err := eng.Answer(context.Background(), "what happened?", 0, index.Filters{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !res.NoMatch {
		t.Error("expected NoMatch for empty index")
	}
	if llm.chatCalls != 0 {
		t.Errorf("generative model called %d times on empty index", llm.chatCalls)
	}
}

func TestAnswerCitesReferencedFragments(t *testing.T) {
	llm := &fakeLLM{answer: "The committee approved the bill [1]."}
	eng, mem, store := fixtureEngine(t, llm, config.RetrievalConfig{TopK: 3})
	seed(mem, store, "senate-a", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 1, 0.99)
	seed(mem, store, "senate-b", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), 1, 0.5)

	res, err := eng.Answer(context.Background(), "was the bill approved?", 0, index.Filters{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.NoMatch {
		t.Fatal("unexpected NoMatch")
	}
	if len(res.Citations) != 1 {
		t.Fatalf("got %d citations, want 1: %+v", len(res.Citations), res.Citations)
	}
	if res.Citations[0].SessionID != "senate-a" {
		t.Errorf("citation points at %s, want senate-a", res.Citations[0].SessionID)
	}
}

func TestAnswerUnparseableCitationsFallBackToAllFragments(t *testing.T) {
	llm := &fakeLLM{answer: "The committee approved the bill."}
	eng, mem, store := fixtureEngine(t, llm, config.RetrievalConfig{TopK: 3})
	seed(mem, store, "senate-a", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 1, 0.99)
	seed(mem, store, "senate-b", time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), 1, 0.5)

	res, err := eng.Answer(context.Background(), "was the bill approved?", 0, index.Filters{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(res.Citations) != 2 {
		t.Errorf("got %d citations, want all 2 assembled fragments", len(res.Citations))
	}
}

func TestAnswerEmbeddingModelMismatch(t *testing.T) {
	llm := &fakeLLM{answer: "x"}
	eng, mem, store := fixtureEngine(t, llm, config.RetrievalConfig{})
	store.meta[pipeline.MetaEmbeddingModel] = "other-model"
	seed(mem, store, "senate-a", time.Now(), 1, 0.9)

	_, err := eng.Answer(context.Background(), "anything", 0, index.Filters{})
	if !pipeline.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if llm.embedCalls != 0 {
		t.Error("query embedded despite model mismatch")
	}
}

func TestAnswerDiversityCap(t *testing.T) {
	llm := &fakeLLM{answer: "answer [1][2][3]"}
	eng, mem, store := fixtureEngine(t, llm, config.RetrievalConfig{TopK: 6, MaxPerSession: 2})
	seed(mem, store, "dominant", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 10, 0.99)
	seed(mem, store, "minor", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 1, 0.6)

	res, err := eng.Answer(context.Background(), "question", 0, index.Filters{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	perSession := make(map[string]int)
	for _, c := range res.Citations {
		perSession[c.SessionID]++
	}
	if perSession["dominant"] > 2 {
		t.Errorf("dominant session contributed %d fragments, cap is 2", perSession["dominant"])
	}
	if perSession["minor"] == 0 {
		t.Error("capped ranking should let the minor session in")
	}
}

func TestRerankPrefersRecentOnSimilarityTie(t *testing.T) {
	eng, _, _ := fixtureEngine(t, &fakeLLM{}, config.RetrievalConfig{RecencyWeight: 0.2})

	old := index.Candidate{ChunkID: "old", SessionDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Score: 0.8}
	recent := index.Candidate{ChunkID: "recent", SessionDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), Score: 0.8}

	ranked := eng.rerank([]index.Candidate{old, recent})
	if ranked[0].ChunkID != "recent" {
		t.Errorf("want recent chunk first on tie, got %s", ranked[0].ChunkID)
	}
}

func TestHybridKeywordExcludesIncompleteSessions(t *testing.T) {
	llm := &fakeLLM{answer: "The committee debated mining royalties."}
	eng, mem, store := fixtureEngine(t, llm, config.RetrievalConfig{TopK: 5, Hybrid: true})
	kw, err := index.OpenKeyword("")
	if err != nil {
		t.Fatalf("OpenKeyword: %v", err)
	}
	t.Cleanup(func() { kw.Close() })
	eng.keyword = kw

	seed(mem, store, "senate-done", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 1, 0.9)

	// A session mid-indexing already has keyword entries and stored chunks,
	// but must stay invisible until it completes.
	pendingID := models.ChunkID("senate-pending", 0)
	pending := models.Chunk{
		ID:        pendingID,
		SessionID: "senate-pending",
		Text:      "mining royalty bill debated at length",
		Span:      models.SourceSpan{Kind: "transcript", Start: 0, End: 60},
	}
	store.chunks[pendingID] = pending
	if err := kw.Put([]models.Chunk{pending}); err != nil {
		t.Fatalf("keyword Put: %v", err)
	}

	res, err := eng.Answer(context.Background(), "mining royalty", 0, index.Filters{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if res.NoMatch || len(res.Citations) == 0 {
		t.Fatalf("expected an answer over the complete session, got %+v", res)
	}
	for _, c := range res.Citations {
		if c.SessionID == "senate-pending" {
			t.Errorf("incomplete session cited: %+v", res.Citations)
		}
	}
}

func TestFuseKeywordDatesKeywordOnlyHits(t *testing.T) {
	eng, _, store := fixtureEngine(t, &fakeLLM{}, config.RetrievalConfig{Hybrid: true})
	kw, err := index.OpenKeyword("")
	if err != nil {
		t.Fatalf("OpenKeyword: %v", err)
	}
	t.Cleanup(func() { kw.Close() })
	eng.keyword = kw

	date := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	store.complete["senate-kw"] = date
	chunk := models.Chunk{
		ID:        models.ChunkID("senate-kw", 0),
		SessionID: "senate-kw",
		Text:      "royalty rates discussed by the committee",
	}
	if err := kw.Put([]models.Chunk{chunk}); err != nil {
		t.Fatalf("keyword Put: %v", err)
	}

	out := eng.fuseKeyword(context.Background(), "royalty", nil, 10)
	if len(out) != 1 {
		t.Fatalf("fused candidates %+v", out)
	}
	if !out[0].SessionDate.Equal(date) {
		t.Errorf("keyword-only hit carries date %v, want %v", out[0].SessionDate, date)
	}
}

func TestAnswerContextBudgetTruncates(t *testing.T) {
	llm := &fakeLLM{answer: "answer [1]"}
	eng, mem, store := fixtureEngine(t, llm, config.RetrievalConfig{TopK: 5, ContextBudget: 30})
	seed(mem, store, "senate-a", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), 3, 0.9)

	res, err := eng.Answer(context.Background(), "question", 0, index.Filters{})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	// 30 chars fit only one (truncated) fragment.
	if len(res.Citations) != 1 {
		t.Errorf("got %d citations, budget should leave a single fragment", len(res.Citations))
	}
}
