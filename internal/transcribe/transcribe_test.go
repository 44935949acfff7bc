package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fandrade/parlatrack/config"
	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(config.TranscriberConfig{BaseURL: srv.URL, APIKey: "tk", Language: "es", MinConfidence: 0.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(config.TranscriberConfig{})
	if !pipeline.IsConfiguration(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestTranscribeSendsRequestAndKeepsLowConfidence(t *testing.T) {
	var gotAuth string
	var gotReq transcribeRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/transcriptions" {
			t.Errorf("path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		json.NewEncoder(w).Encode(transcribeResponse{Segments: []models.TranscriptSegment{
			{Start: 0, End: 30, Text: "buenos dias", Confidence: 0.9},
			{Start: 30, End: 45, Text: "[inaudible]", Confidence: 0.1},
		}})
	})

	segments, err := c.Transcribe(context.Background(), "https://media.example/rec.mp4")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if gotAuth != "Bearer tk" {
		t.Errorf("auth header %q", gotAuth)
	}
	if gotReq.MediaURL != "https://media.example/rec.mp4" || gotReq.Language != "es" {
		t.Errorf("request %+v", gotReq)
	}
	if len(segments) != 2 {
		t.Fatalf("low-confidence segment dropped: %+v", segments)
	}
}

func TestTranscribeEmptyMediaURLIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent for empty media url")
	})
	_, err := c.Transcribe(context.Background(), "  ")
	if !pipeline.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestTranscribeStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
		name   string
	}{
		{http.StatusUnauthorized, pipeline.IsConfiguration, "configuration"},
		{http.StatusTooManyRequests, pipeline.IsTransient, "transient"},
		{http.StatusBadGateway, pipeline.IsTransient, "transient"},
		{http.StatusUnprocessableEntity, pipeline.IsPermanent, "permanent"},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := c.Transcribe(context.Background(), "https://media.example/rec.mp4")
		if !tc.check(err) {
			t.Errorf("status %d: expected %s error, got %v", tc.status, tc.name, err)
		}
	}
}

func TestTranscribeSilentRecordingIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(transcribeResponse{Segments: []models.TranscriptSegment{
			{Start: 0, End: 10, Text: "", Confidence: 0.9},
			{Start: 10, End: 20, Text: "mumble", Confidence: 0.2},
		}})
	})
	_, err := c.Transcribe(context.Background(), "https://media.example/rec.mp4")
	if !pipeline.IsPermanent(err) {
		t.Fatalf("expected permanent error for unusable transcript, got %v", err)
	}
}
