package pipeline

import (
	"strings"

	"github.com/fandrade/parlatrack/models"
)

// BuildChunks slices a session's transcript, report summary and documents
// into overlapping retrieval chunks. Chunk IDs derive from the session ID and
// position, so re-chunking unchanged content yields the same IDs and chunk
// writes stay idempotent.
func BuildChunks(sess *models.Session, approx, overlap int) []models.Chunk {
	if approx <= 0 {
		approx = 2000
	}
	if overlap < 0 || overlap >= approx {
		overlap = approx / 10
	}

	var chunks []models.Chunk
	add := func(text string, span models.SourceSpan) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		seq := len(chunks)
		chunks = append(chunks, models.Chunk{
			ID:        models.ChunkID(sess.ID, seq),
			SessionID: sess.ID,
			Seq:       seq,
			Text:      text,
			Span:      span,
		})
	}

	for _, tc := range chunkTranscript(sess.Transcript, approx) {
		add(tc.text, models.SourceSpan{Kind: "transcript", Start: tc.start, End: tc.end})
	}

	if sess.Report != nil && strings.TrimSpace(sess.Report.Summary) != "" {
		for _, piece := range makeChunks(sess.Report.Summary, approx, overlap) {
			add(piece.text, models.SourceSpan{Kind: "report", Start: float64(piece.start), End: float64(piece.end)})
		}
	}

	for _, doc := range sess.Documents {
		for _, piece := range makeChunks(doc.Text, approx, overlap) {
			add(piece.text, models.SourceSpan{Kind: "document", Ref: doc.URL, Start: float64(piece.start), End: float64(piece.end)})
		}
	}

	return chunks
}

type transcriptChunk struct {
	text  string
	start float64
	end   float64
}

// chunkTranscript groups whole segments until the chunk reaches the size
// target. Segments never split, so every chunk maps to an exact time range.
func chunkTranscript(segments []models.TranscriptSegment, approx int) []transcriptChunk {
	var out []transcriptChunk
	var b strings.Builder
	var start, end float64

	flush := func() {
		if b.Len() == 0 {
			return
		}
		out = append(out, transcriptChunk{text: b.String(), start: start, end: end})
		b.Reset()
	}

	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if b.Len() == 0 {
			start = seg.Start
		} else {
			b.WriteString(" ")
		}
		b.WriteString(text)
		end = seg.End
		if b.Len() >= approx {
			flush()
		}
	}
	flush()
	return out
}

type textChunk struct {
	text  string
	start int
	end   int
}

func makeChunks(text string, approx, overlap int) []textChunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= approx {
		return []textChunk{{text: text, start: 0, end: len(text)}}
	}
	var chunks []textChunk
	for start := 0; start < len(text); {
		end := start + approx
		if end > len(text) {
			end = len(text)
		}
		chunks = append(chunks, textChunk{text: text[start:end], start: start, end: end})
		if end == len(text) {
			break
		}
		start = end - overlap
		if start < 0 {
			start = 0
		}
	}
	return chunks
}
