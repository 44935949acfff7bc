// Package retrieval answers questions over completed sessions: embed the
// query, gather candidates from the vector (and optionally keyword) index,
// re-rank, assemble a bounded context and synthesize a cited answer.
package retrieval

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fandrade/parlatrack/config"
	"github.com/fandrade/parlatrack/internal/index"
	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/models"
	"github.com/fandrade/parlatrack/provider"
)

// rrfK dampens rank differences when fusing vector and keyword hits.
const rrfK = 60

const answerSystemPrompt = `You answer questions about legislative committee sessions.
You are given numbered context fragments, each from one session. Rules:
- Answer only from the fragments. If they do not contain the answer, say so plainly.
- Cite every claim with the bracket number of its supporting fragment, like [1] or [2][3].
- Answer in the language the question is asked in.`

// Store is the slice of the session store the engine reads from.
type Store interface {
	GetChunks(ctx context.Context, ids []string) ([]models.Chunk, error)
	GetMeta(ctx context.Context, key string) (string, bool, error)
	CompleteSessionDates(ctx context.Context, ids []string) (map[string]time.Time, error)
}

// Engine executes retrieval queries.
type Engine struct {
	store   Store
	index   index.Index
	keyword *index.Keyword
	llm     provider.Provider
	cfg     config.RetrievalConfig
	logger  *log.Logger
	now     func() time.Time
}

// NewEngine builds an Engine. keyword may be nil; hybrid fusion then stays off.
func NewEngine(store Store, idx index.Index, keyword *index.Keyword, llm provider.Provider, cfg config.RetrievalConfig) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 8
	}
	if cfg.OverFetch <= 0 {
		cfg.OverFetch = 4
	}
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = 12_000
	}
	return &Engine{
		store:   store,
		index:   idx,
		keyword: keyword,
		llm:     llm,
		cfg:     cfg,
		logger:  log.New(os.Stdout, "[retrieval] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Answer runs the full retrieval flow for one query. topK <= 0 uses the
// configured default. When nothing at all matches, it returns NoMatch without
// touching the generative model.
func (e *Engine) Answer(ctx context.Context, query string, topK int, filters index.Filters) (models.QueryResult, error) {
	if strings.TrimSpace(query) == "" {
		return models.QueryResult{}, fmt.Errorf("query is empty")
	}
	if topK <= 0 {
		topK = e.cfg.TopK
	}

	if err := e.checkEmbeddingModel(ctx); err != nil {
		return models.QueryResult{}, err
	}

	vectors, err := e.llm.CreateEmbedding(ctx, []string{query})
	if err != nil {
		return models.QueryResult{}, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return models.QueryResult{}, fmt.Errorf("embed query: expected 1 vector, got %d", len(vectors))
	}

	fetch := topK * e.cfg.OverFetch
	candidates, err := e.index.Query(ctx, vectors[0], filters, fetch)
	if err != nil {
		return models.QueryResult{}, fmt.Errorf("vector query: %w", err)
	}

	// Keyword fusion only applies to unfiltered queries: the keyword index
	// carries no chamber or date fields to filter on.
	if e.keyword != nil && e.cfg.Hybrid && filters == (index.Filters{}) {
		candidates = e.fuseKeyword(ctx, query, candidates, fetch)
	}

	if len(candidates) == 0 {
		return models.QueryResult{NoMatch: true}, nil
	}

	ranked := e.rerank(candidates)
	ranked = e.capPerSession(ranked)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	fragments, err := e.assembleContext(ctx, ranked)
	if err != nil {
		return models.QueryResult{}, err
	}
	if len(fragments) == 0 {
		return models.QueryResult{NoMatch: true}, nil
	}

	answer, err := e.llm.ChatCompletion(ctx, answerSystemPrompt, buildUserPrompt(query, fragments))
	if err != nil {
		return models.QueryResult{}, fmt.Errorf("synthesize answer: %w", err)
	}

	return models.QueryResult{
		Answer:    strings.TrimSpace(answer),
		Citations: parseCitations(answer, fragments),
	}, nil
}

// checkEmbeddingModel refuses to serve when the index was built by a
// different embedding model than the one configured now.
func (e *Engine) checkEmbeddingModel(ctx context.Context) error {
	recorded, ok, err := e.store.GetMeta(ctx, pipeline.MetaEmbeddingModel)
	if err != nil {
		return fmt.Errorf("read index metadata: %w", err)
	}
	if ok && recorded != e.llm.EmbeddingModel() {
		return &pipeline.ConfigurationError{
			Reason: fmt.Sprintf("index built with embedding model %q, configured model is %q", recorded, e.llm.EmbeddingModel()),
		}
	}
	return nil
}

func (e *Engine) fuseKeyword(ctx context.Context, query string, vec []index.Candidate, fetch int) []index.Candidate {
	hits, err := e.keyword.Search(query, fetch)
	if err != nil {
		// Keyword trouble degrades to vector-only rather than failing the query.
		e.logger.Printf("keyword search failed, continuing vector-only: %v", err)
		return vec
	}

	// The keyword index is not visibility-scoped, so keep only hits whose
	// session is complete; the same lookup supplies their dates for reranking.
	sessionIDs := make([]string, 0, len(hits))
	seenSession := make(map[string]bool, len(hits))
	for _, h := range hits {
		if !seenSession[h.SessionID] {
			seenSession[h.SessionID] = true
			sessionIDs = append(sessionIDs, h.SessionID)
		}
	}
	visible, err := e.store.CompleteSessionDates(ctx, sessionIDs)
	if err != nil {
		e.logger.Printf("resolve keyword sessions failed, continuing vector-only: %v", err)
		return vec
	}

	type agg struct {
		cand  index.Candidate
		fused float64
	}
	m := make(map[string]*agg, len(vec)+len(hits))
	for i, c := range vec {
		m[c.ChunkID] = &agg{cand: c, fused: 1.0 / float64(rrfK+i+1)}
	}
	for _, h := range hits {
		date, ok := visible[h.SessionID]
		if !ok {
			continue
		}
		if x, ok := m[h.ChunkID]; ok {
			x.fused += 1.0 / float64(rrfK+h.Rank)
			continue
		}
		m[h.ChunkID] = &agg{
			cand:  index.Candidate{ChunkID: h.ChunkID, SessionID: h.SessionID, SessionDate: date},
			fused: 1.0 / float64(rrfK+h.Rank),
		}
	}

	out := make([]index.Candidate, 0, len(m))
	for _, v := range m {
		v.cand.Score = v.fused
		out = append(out, v.cand)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > fetch {
		out = out[:fetch]
	}
	return out
}

// rerank blends similarity with session recency. Freshness decays linearly
// to zero over two years; sessions without a known date count as stale.
func (e *Engine) rerank(candidates []index.Candidate) []index.Candidate {
	const horizon = 2 * 365 * 24 * time.Hour
	now := e.now()
	out := make([]index.Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		freshness := 0.0
		if !out[i].SessionDate.IsZero() {
			age := now.Sub(out[i].SessionDate)
			freshness = math.Max(0, 1-float64(age)/float64(horizon))
		}
		out[i].Score += e.cfg.RecencyWeight * freshness
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func (e *Engine) capPerSession(candidates []index.Candidate) []index.Candidate {
	if e.cfg.MaxPerSession <= 0 {
		return candidates
	}
	counts := make(map[string]int)
	out := candidates[:0:0]
	for _, c := range candidates {
		if counts[c.SessionID] >= e.cfg.MaxPerSession {
			continue
		}
		counts[c.SessionID]++
		out = append(out, c)
	}
	return out
}

// fragment is one numbered context piece handed to the model.
type fragment struct {
	number int
	chunk  models.Chunk
	date   time.Time
}

func (e *Engine) assembleContext(ctx context.Context, ranked []index.Candidate) ([]fragment, error) {
	ids := make([]string, len(ranked))
	dates := make(map[string]time.Time, len(ranked))
	for i, c := range ranked {
		ids[i] = c.ChunkID
		dates[c.ChunkID] = c.SessionDate
	}
	chunks, err := e.store.GetChunks(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	var fragments []fragment
	budget := e.cfg.ContextBudget
	for _, chunk := range chunks {
		if len(chunk.Text) > budget {
			if len(fragments) == 0 {
				// Always include the top hit, truncated to fit.
				chunk.Text = chunk.Text[:budget]
			} else {
				break
			}
		}
		budget -= len(chunk.Text)
		fragments = append(fragments, fragment{
			number: len(fragments) + 1,
			chunk:  chunk,
			date:   dates[chunk.ID],
		})
	}
	return fragments, nil
}

func buildUserPrompt(query string, fragments []fragment) string {
	var b strings.Builder
	b.WriteString("Context fragments:\n\n")
	for _, f := range fragments {
		fmt.Fprintf(&b, "[%d] session %s", f.number, f.chunk.SessionID)
		if !f.date.IsZero() {
			fmt.Fprintf(&b, " (%s)", f.date.Format("2006-01-02"))
		}
		fmt.Fprintf(&b, ":\n%s\n\n", f.chunk.Text)
	}
	fmt.Fprintf(&b, "Question: %s\n", query)
	return b.String()
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// parseCitations maps bracket references in the answer back to sessions. An
// answer with no parseable references cites every assembled fragment, since
// all of them informed it.
func parseCitations(answer string, fragments []fragment) []models.Citation {
	byNumber := make(map[int]fragment, len(fragments))
	for _, f := range fragments {
		byNumber[f.number] = f
	}

	var cited []fragment
	seen := make(map[int]bool)
	for _, match := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil || seen[n] {
			continue
		}
		if f, ok := byNumber[n]; ok {
			seen[n] = true
			cited = append(cited, f)
		}
	}
	if len(cited) == 0 {
		cited = fragments
	}

	citations := make([]models.Citation, len(cited))
	for i, f := range cited {
		citations[i] = models.Citation{SessionID: f.chunk.SessionID, Span: f.chunk.Span}
	}
	return citations
}
