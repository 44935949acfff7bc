package pipeline

import (
	"strings"
	"testing"

	"github.com/fandrade/parlatrack/models"
)

func chunkTestSession() *models.Session {
	return &models.Session{
		ID: "chamber-2026-05-02-constitution",
		Transcript: []models.TranscriptSegment{
			{Start: 0, End: 60, Text: "Opening remarks by the chair."},
			{Start: 60, End: 300, Text: strings.Repeat("Debate on the reform bill. ", 20)},
			{Start: 300, End: 420, Text: "Closing votes announced."},
		},
		Report: &models.StructuredReport{
			Title:   "Constitution committee session",
			Summary: "The committee debated the reform bill and scheduled a vote.",
		},
		Documents: []models.Document{
			{URL: "https://example.org/agenda", Title: "Agenda", Text: strings.Repeat("agenda item ", 30)},
		},
	}
}

func TestBuildChunksDeterministicIDs(t *testing.T) {
	sess := chunkTestSession()

	first := BuildChunks(sess, 200, 20)
	second := BuildChunks(sess, 200, 20)

	if len(first) == 0 {
		t.Fatal("expected chunks")
	}
	if len(first) != len(second) {
		t.Fatalf("chunk counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("chunk %d ID not deterministic: %s vs %s", i, first[i].ID, second[i].ID)
		}
		if first[i].ID != models.ChunkID(sess.ID, i) {
			t.Errorf("chunk %d ID does not derive from session+seq", i)
		}
		if first[i].Seq != i {
			t.Errorf("chunk %d has seq %d", i, first[i].Seq)
		}
	}
}

func TestBuildChunksTranscriptSpans(t *testing.T) {
	sess := chunkTestSession()
	chunks := BuildChunks(sess, 100, 10)

	var transcriptChunks []models.Chunk
	for _, c := range chunks {
		if c.Span.Kind == "transcript" {
			transcriptChunks = append(transcriptChunks, c)
		}
	}
	if len(transcriptChunks) < 2 {
		t.Fatalf("expected transcript to split, got %d chunks", len(transcriptChunks))
	}
	if transcriptChunks[0].Span.Start != 0 {
		t.Errorf("first transcript chunk starts at %.1f", transcriptChunks[0].Span.Start)
	}
	last := transcriptChunks[len(transcriptChunks)-1]
	if last.Span.End != 420 {
		t.Errorf("last transcript chunk ends at %.1f, want 420", last.Span.End)
	}
	for _, c := range transcriptChunks {
		if c.Span.End < c.Span.Start {
			t.Errorf("inverted span %+v", c.Span)
		}
	}
}

func TestBuildChunksDocumentOverlap(t *testing.T) {
	text := strings.Repeat("x", 250)
	sess := &models.Session{
		ID:        "s1",
		Documents: []models.Document{{URL: "https://example.org/doc", Text: text}},
	}

	chunks := BuildChunks(sess, 100, 20)
	if len(chunks) < 3 {
		t.Fatalf("expected at least 3 chunks for 250 chars at approx 100, got %d", len(chunks))
	}
	// Consecutive document windows share the overlap region.
	if chunks[1].Span.Start != chunks[0].Span.End-20 {
		t.Errorf("second chunk starts at %v, want %v", chunks[1].Span.Start, chunks[0].Span.End-20)
	}
	for _, c := range chunks {
		if c.Span.Ref != "https://example.org/doc" {
			t.Errorf("document chunk missing ref: %+v", c.Span)
		}
	}
}

func TestBuildChunksSkipsEmptySources(t *testing.T) {
	sess := &models.Session{ID: "s2", Transcript: []models.TranscriptSegment{{Start: 0, End: 1, Text: "   "}}}
	if chunks := BuildChunks(sess, 100, 10); len(chunks) != 0 {
		t.Errorf("expected no chunks for blank content, got %d", len(chunks))
	}
}
