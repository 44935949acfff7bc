package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SessionStatus tracks how far a session has progressed through the pipeline.
type SessionStatus string

const (
	StatusDiscovered   SessionStatus = "discovered"
	StatusAcquiring    SessionStatus = "acquiring"
	StatusTranscribing SessionStatus = "transcribing"
	StatusStructuring  SessionStatus = "structuring"
	StatusIndexing     SessionStatus = "indexing"
	StatusComplete     SessionStatus = "complete"
	StatusFailed       SessionStatus = "failed"
)

// Stage identifies one pipeline step. Stages run in StageOrder and a session
// never moves backwards except through an explicit reset.
type Stage string

const (
	StageAcquire    Stage = "acquire"
	StageTranscribe Stage = "transcribe"
	StageStructure  Stage = "structure"
	StageIndex      Stage = "index"
)

// StageOrder is the only forward path through the pipeline.
var StageOrder = []Stage{StageAcquire, StageTranscribe, StageStructure, StageIndex}

// StageFor returns the stage that must execute for a session in the given
// status. Complete and failed sessions have no runnable stage.
func StageFor(status SessionStatus) (Stage, bool) {
	switch status {
	case StatusDiscovered, StatusAcquiring:
		return StageAcquire, true
	case StatusTranscribing:
		return StageTranscribe, true
	case StatusStructuring:
		return StageStructure, true
	case StatusIndexing:
		return StageIndex, true
	}
	return "", false
}

// RunningStatus returns the in-progress status for a stage.
func RunningStatus(stage Stage) SessionStatus {
	switch stage {
	case StageAcquire:
		return StatusAcquiring
	case StageTranscribe:
		return StatusTranscribing
	case StageStructure:
		return StatusStructuring
	case StageIndex:
		return StatusIndexing
	}
	return StatusFailed
}

// NextStatus returns the status a session moves to after the stage succeeds.
func NextStatus(stage Stage) SessionStatus {
	switch stage {
	case StageAcquire:
		return StatusTranscribing
	case StageTranscribe:
		return StatusStructuring
	case StageStructure:
		return StatusIndexing
	case StageIndex:
		return StatusComplete
	}
	return StatusFailed
}

// SessionMetadata carries the raw facts discovery scraped for a sitting.
type SessionMetadata struct {
	Chamber      string    `json:"chamber"`
	Committee    string    `json:"committee"`
	Title        string    `json:"title"`
	Date         time.Time `json:"date"`
	DocumentURLs []string  `json:"document_urls,omitempty"`
	VideoURL     string    `json:"video_url,omitempty"`
	Attendance   []string  `json:"attendance,omitempty"`
}

// Hash returns a stable digest of the discovery-visible metadata, used to
// detect upstream content changes on re-discovery.
func (m SessionMetadata) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", m.Chamber, m.Committee, m.Title, m.Date.UTC().Format(time.RFC3339), m.VideoURL)
	for _, u := range m.DocumentURLs {
		fmt.Fprintf(h, "|%s", u)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Document is one acquired source document for a session.
type Document struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Text  string `json:"text"`
}

// TranscriptSegment is a timestamped span of speech-to-text output. Low
// confidence segments are kept and annotated rather than dropped.
type TranscriptSegment struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TimeRange points back into the transcript, in seconds from session start.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// TopicEntry is one discussed topic extracted by the structuring stage.
type TopicEntry struct {
	Name    string    `json:"name"`
	Summary string    `json:"summary,omitempty"`
	Span    TimeRange `json:"span"`
}

// Participant is a speaker or guest identified in the session.
type Participant struct {
	Name string    `json:"name"`
	Role string    `json:"role,omitempty"`
	Span TimeRange `json:"span"`
}

// Decision captures an agreement or disagreement reached during the session.
type Decision struct {
	Description string    `json:"description"`
	Outcome     string    `json:"outcome,omitempty"`
	Span        TimeRange `json:"span"`
}

// MindMapNode is one node of the hierarchical session mind map. The root
// names the session as a whole; branches expand the discussed topics.
type MindMapNode struct {
	Name     string        `json:"name"`
	Children []MindMapNode `json:"children,omitempty"`
}

// StructuredReport is the validated output of the structuring stage.
type StructuredReport struct {
	Title        string        `json:"title"`
	Keywords     []string      `json:"keywords,omitempty"`
	Summary      string        `json:"summary,omitempty"`
	Bills        []string      `json:"bills,omitempty"`
	Topics       []TopicEntry  `json:"topics"`
	Participants []Participant `json:"participants"`
	Decisions    []Decision    `json:"decisions"`
	MindMap      *MindMapNode  `json:"mind_map,omitempty"`
}

// Session is one legislative sitting tracked by the registry.
type Session struct {
	ID          string              `json:"session_id"`
	Metadata    SessionMetadata     `json:"metadata"`
	ContentHash string              `json:"content_hash"`
	Status      SessionStatus       `json:"status"`
	FailedStage Stage               `json:"failed_stage,omitempty"`
	Attempts    map[Stage]int       `json:"attempts,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
	Documents   []Document          `json:"documents,omitempty"`
	Transcript  []TranscriptSegment `json:"transcript,omitempty"`
	Report      *StructuredReport   `json:"report,omitempty"`
	ChunkIDs    []string            `json:"chunk_ids,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// AttemptsFor returns the recorded attempt count for a stage.
func (s *Session) AttemptsFor(stage Stage) int {
	if s.Attempts == nil {
		return 0
	}
	return s.Attempts[stage]
}

// SourceSpan locates a chunk inside its originating document or transcript
// so answers can cite it.
type SourceSpan struct {
	// Kind is "transcript", "document" or "report".
	Kind string `json:"kind"`
	// Ref is the document URL for document spans, empty otherwise.
	Ref string `json:"ref,omitempty"`
	// Start/End are seconds for transcript spans, byte offsets otherwise.
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Chunk is the unit of retrieval: a bounded span of text owned by exactly
// one session.
type Chunk struct {
	ID        string     `json:"chunk_id"`
	SessionID string     `json:"session_id"`
	Seq       int        `json:"seq"`
	Text      string     `json:"text"`
	Span      SourceSpan `json:"span"`
}

// ChunkID derives the deterministic chunk identifier from the owning session
// and chunk position. Re-indexing the same content therefore overwrites
// instead of duplicating.
func ChunkID(sessionID string, seq int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", sessionID, seq)))
	return hex.EncodeToString(h[:])
}

// Citation links an answer back to a session and the span that supported it.
type Citation struct {
	SessionID string     `json:"session_id"`
	Span      SourceSpan `json:"span"`
}

// QueryResult is the ephemeral outcome of one retrieval query.
type QueryResult struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
	NoMatch   bool       `json:"no_match"`
}
