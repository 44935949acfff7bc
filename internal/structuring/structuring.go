// Package structuring turns a raw transcript and the acquired documents into
// a validated structured report via the generative model.
package structuring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/models"
	"github.com/fandrade/parlatrack/provider"
)

const systemPrompt = `You are an analyst producing structured minutes of legislative committee sessions.
You receive a timestamped transcript and, when available, the text of related session documents.
Respond with a single JSON object and nothing else. No prose, no markdown fences.

The JSON object must have exactly these fields:
  "title": short descriptive title of the session (string, required)
  "keywords": list of topical keywords (array of strings)
  "summary": a few paragraphs summarising the session (string)
  "bills": identifiers or names of bills discussed, empty if none (array of strings)
  "topics": array of {"name": string, "summary": string, "span": {"start": seconds, "end": seconds}}
  "participants": array of {"name": string, "role": string, "span": {"start": seconds, "end": seconds}}
  "decisions": array of {"description": string, "outcome": string, "span": {"start": seconds, "end": seconds}}

Every "span" must reference the transcript timestamps where the item is discussed.
Report at least one topic. Only state what the transcript supports; never invent names or outcomes.
Write in the language the transcript is written in.`

const mindMapSystemPrompt = `You build mind maps of legislative committee sessions.
Respond with a single JSON object and nothing else. No prose, no markdown fences.

The object is the root node. Every node has exactly these fields:
  "name": short phrase for the idea, at most 10 to 20 words (string, required)
  "children": list of child nodes, may be empty

The root name must represent the session as a whole. Each branch under the root
covers one discussed topic; its children explain the topic and the agreements
reached, including specific figures mentioned. Aim for two to three levels of
depth. Skip suspended or postponed discussions and avoid generic labels like
"Summary" or "Conclusions". Write in the language the transcript is written in.`

// maxDocumentChars bounds how much acquired document text rides along in the
// prompt. Documents provide context; the transcript is the source of truth.
const maxDocumentChars = 8_000

// Structurer drives the extraction contract against the generative model.
type Structurer struct {
	llm provider.Provider
}

// New builds a Structurer.
func New(llm provider.Provider) *Structurer {
	return &Structurer{llm: llm}
}

// Extract produces a structured report for the session. A malformed or
// schema-violating model response is transient: regeneration may well
// produce valid output.
func (s *Structurer) Extract(ctx context.Context, sess *models.Session) (*models.StructuredReport, error) {
	if len(sess.Transcript) == 0 {
		return nil, pipeline.Permanent("structure session", fmt.Errorf("session %s has no transcript", sess.ID))
	}

	raw, err := s.llm.ChatCompletion(ctx, systemPrompt, buildUserPrompt(sess))
	if err != nil {
		return nil, err
	}

	report, err := parseReport(raw)
	if err != nil {
		return nil, pipeline.Transient("structure session", err)
	}
	if err := validateReport(report, transcriptEnd(sess.Transcript)); err != nil {
		return nil, pipeline.Transient("structure session", err)
	}

	mindMap, err := s.generateMindMap(ctx, sess)
	if err != nil {
		return nil, err
	}
	report.MindMap = mindMap
	return report, nil
}

// generateMindMap asks the model for the hierarchical topic map that
// accompanies the report.
func (s *Structurer) generateMindMap(ctx context.Context, sess *models.Session) (*models.MindMapNode, error) {
	raw, err := s.llm.ChatCompletion(ctx, mindMapSystemPrompt, buildUserPrompt(sess))
	if err != nil {
		return nil, err
	}
	node, err := parseMindMap(raw)
	if err != nil {
		return nil, pipeline.Transient("structure session", err)
	}
	return node, nil
}

func buildUserPrompt(sess *models.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\nChamber: %s\nCommittee: %s\nDate: %s\n\n",
		sess.Metadata.Title, sess.Metadata.Chamber, sess.Metadata.Committee,
		sess.Metadata.Date.Format("2006-01-02"))

	if len(sess.Documents) > 0 {
		b.WriteString("Session documents:\n")
		budget := maxDocumentChars
		for _, doc := range sess.Documents {
			if budget <= 0 {
				break
			}
			text := doc.Text
			if len(text) > budget {
				text = text[:budget]
			}
			budget -= len(text)
			fmt.Fprintf(&b, "--- %s (%s)\n%s\n", doc.Title, doc.URL, text)
		}
		b.WriteString("\n")
	}

	b.WriteString("Transcript:\n")
	for _, seg := range sess.Transcript {
		fmt.Fprintf(&b, "[%.1f-%.1f] %s\n", seg.Start, seg.End, seg.Text)
	}
	return b.String()
}

// stripFence removes the markdown code fence models add despite instructions.
func stripFence(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

func parseReport(raw string) (*models.StructuredReport, error) {
	var report models.StructuredReport
	dec := json.NewDecoder(strings.NewReader(stripFence(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&report); err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}
	return &report, nil
}

func parseMindMap(raw string) (*models.MindMapNode, error) {
	var node models.MindMapNode
	dec := json.NewDecoder(strings.NewReader(stripFence(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("parse mind map: %w", err)
	}
	if strings.TrimSpace(node.Name) == "" {
		return nil, fmt.Errorf("mind map root has no name")
	}
	return &node, nil
}

func validateReport(r *models.StructuredReport, duration float64) error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("report title is empty")
	}
	if len(r.Topics) == 0 {
		return fmt.Errorf("report has no topics")
	}
	for i, t := range r.Topics {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("topic %d has no name", i)
		}
		if err := validateSpan(t.Span, duration); err != nil {
			return fmt.Errorf("topic %q: %w", t.Name, err)
		}
	}
	for i, p := range r.Participants {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("participant %d has no name", i)
		}
		if err := validateSpan(p.Span, duration); err != nil {
			return fmt.Errorf("participant %q: %w", p.Name, err)
		}
	}
	for i, d := range r.Decisions {
		if strings.TrimSpace(d.Description) == "" {
			return fmt.Errorf("decision %d has no description", i)
		}
		if err := validateSpan(d.Span, duration); err != nil {
			return fmt.Errorf("decision %d: %w", i, err)
		}
	}
	return nil
}

func validateSpan(span models.TimeRange, duration float64) error {
	if span.Start < 0 || span.End < span.Start {
		return fmt.Errorf("invalid span [%.1f, %.1f]", span.Start, span.End)
	}
	// Allow a small overshoot: segment ends are rounded upstream.
	if duration > 0 && span.Start > duration+1 {
		return fmt.Errorf("span [%.1f, %.1f] starts past end of transcript (%.1fs)", span.Start, span.End, duration)
	}
	return nil
}

func transcriptEnd(segments []models.TranscriptSegment) float64 {
	var end float64
	for _, seg := range segments {
		if seg.End > end {
			end = seg.End
		}
	}
	return end
}
