package structuring

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/models"
)

// fakeLLM returns its scripted responses in order, one per call. Extract
// makes two calls on the happy path: the report and then the mind map.
type fakeLLM struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeLLM) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", fmt.Errorf("no scripted response for call %d", f.calls)
	}
	response := f.responses[0]
	f.responses = f.responses[1:]
	return response, nil
}

func (f *fakeLLM) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func (f *fakeLLM) EmbeddingModel() string { return "test-embed" }

func testSession() *models.Session {
	return &models.Session{
		ID: "senate-2026-03-10-hacienda",
		Metadata: models.SessionMetadata{
			Chamber:   "senate",
			Committee: "finance",
			Title:     "Budget amendments review",
			Date:      time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		},
		Transcript: []models.TranscriptSegment{
			{Start: 0, End: 120, Text: "The chair opens the session.", Confidence: 0.95},
			{Start: 120, End: 600, Text: "Discussion of amendment 14 to the budget bill.", Confidence: 0.9},
		},
	}
}

const validResponse = `{
  "title": "Finance committee reviews budget amendments",
  "keywords": ["budget", "amendment 14"],
  "summary": "The committee discussed amendment 14.",
  "topics": [{"name": "Amendment 14", "summary": "Debate on scope.", "span": {"start": 120, "end": 600}}],
  "participants": [{"name": "Chair Morales", "role": "chair", "span": {"start": 0, "end": 120}}],
  "decisions": [{"description": "Postpone vote on amendment 14", "outcome": "agreed", "span": {"start": 580, "end": 600}}]
}`

const validMindMap = `{
  "name": "Budget amendments review",
  "children": [{"name": "Amendment 14", "children": [{"name": "Vote postponed by agreement", "children": []}]}]
}`

func TestExtractValidResponse(t *testing.T) {
	llm := &fakeLLM{responses: []string{validResponse, validMindMap}}
	s := New(llm)

	report, err := s.Extract(context.Background(), testSession())
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if report.Title != "Finance committee reviews budget amendments" {
		t.Errorf("unexpected title %q", report.Title)
	}
	if len(report.Topics) != 1 || report.Topics[0].Span.Start != 120 {
		t.Errorf("unexpected topics %+v", report.Topics)
	}
	if len(report.Decisions) != 1 || report.Decisions[0].Outcome != "agreed" {
		t.Errorf("unexpected decisions %+v", report.Decisions)
	}
	if report.MindMap == nil || report.MindMap.Name != "Budget amendments review" {
		t.Errorf("unexpected mind map %+v", report.MindMap)
	}
	if len(report.MindMap.Children) != 1 || len(report.MindMap.Children[0].Children) != 1 {
		t.Errorf("mind map hierarchy lost: %+v", report.MindMap)
	}
}

func TestExtractStripsCodeFence(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		"```json\n" + validResponse + "\n```",
		"```json\n" + validMindMap + "\n```",
	}}
	s := New(llm)

	if _, err := s.Extract(context.Background(), testSession()); err != nil {
		t.Fatalf("Extract with fenced response: %v", err)
	}
}

func TestExtractMalformedMindMapIsTransient(t *testing.T) {
	cases := map[string]string{
		"not json":  "a tree of topics",
		"no name":   `{"name": " ", "children": []}`,
		"bad field": `{"name": "x", "children": [], "color": "red"}`,
	}
	for name, response := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(&fakeLLM{responses: []string{validResponse, response}})
			_, err := s.Extract(context.Background(), testSession())
			if err == nil {
				t.Fatal("expected error")
			}
			if !pipeline.IsTransient(err) {
				t.Errorf("expected transient error, got %v", err)
			}
		})
	}
}

func TestExtractMalformedIsTransient(t *testing.T) {
	cases := map[string]string{
		"not json":     "the session was about budgets",
		"empty title":  `{"title": " ", "topics": [{"name": "x", "span": {"start": 0, "end": 1}}], "participants": [], "decisions": []}`,
		"no topics":    `{"title": "t", "topics": [], "participants": [], "decisions": []}`,
		"bad span":     `{"title": "t", "topics": [{"name": "x", "span": {"start": 50, "end": 10}}], "participants": [], "decisions": []}`,
		"span too far": `{"title": "t", "topics": [{"name": "x", "span": {"start": 9000, "end": 9100}}], "participants": [], "decisions": []}`,
	}
	for name, response := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(&fakeLLM{responses: []string{response}})
			_, err := s.Extract(context.Background(), testSession())
			if err == nil {
				t.Fatal("expected error")
			}
			if !pipeline.IsTransient(err) {
				t.Errorf("expected transient error, got %v", err)
			}
		})
	}
}

func TestExtractEmptyTranscriptIsPermanent(t *testing.T) {
	s := New(&fakeLLM{responses: []string{validResponse, validMindMap}})
	sess := testSession()
	sess.Transcript = nil

	_, err := s.Extract(context.Background(), sess)
	if err == nil {
		t.Fatal("expected error")
	}
	if !pipeline.IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}
