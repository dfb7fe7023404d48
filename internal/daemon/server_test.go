package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/tutorpath/tutorpath/internal/config"
	"github.com/tutorpath/tutorpath/internal/llm"
	"github.com/tutorpath/tutorpath/internal/progress"
	"github.com/tutorpath/tutorpath/internal/sync"
)

func syncKeyFor(user string) sync.Key {
	return sync.Key{UserID: user, TopicID: "fractions"}
}

const fractionsTopicYAML = `id: fractions
title: Fractions
nodes:
  - id: fractions-intro
    title: Introduction to Fractions
    layer: foundation
    required_correct: 2
  - id: fractions-add
    title: Adding Fractions
    layer: foundation
    required_correct: 5
  - id: fractions-word
    title: Fraction Word Problems
    layer: application
    required_correct: 3
`

// geminiStub serves canned generateContent responses so tutor endpoints can
// be exercised end to end without a real provider.
func geminiStub(t *testing.T, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
	}))
}

func newTestServer(t *testing.T, mutate func(cfg *config.LocalConfig, env *config.Config)) *Server {
	t.Helper()

	topicsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(topicsDir, "fractions.yaml"), []byte(fractionsTopicYAML), 0644); err != nil {
		t.Fatalf("write topic fixture: %v", err)
	}

	cfg := config.DefaultLocalConfig()
	cfg.LLM.Secondary = "" // single provider unless a test opts in
	env := &config.Config{
		GeminiAPIKey:    "test-key",
		SyncEnabled:     false,
		ProviderTimeout: 5 * time.Second,
	}
	if mutate != nil {
		mutate(cfg, env)
	}

	server, err := NewServer(context.Background(), ServerConfig{
		Config:    cfg,
		Env:       env,
		DataPath:  t.TempDir(),
		TopicsDir: topicsDir,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	t.Cleanup(func() { server.kv.Close() })
	return server
}

func doJSON(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)

	var fields map[string]json.RawMessage
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &fields); err != nil {
			t.Fatalf("response is not a JSON object: %v\nbody: %s", err, rec.Body.String())
		}
	}
	return rec, fields
}

func getRecord(t *testing.T, s *Server, user, topic string) *progress.Record {
	t.Helper()
	rec, _ := doJSON(t, s, http.MethodGet, "/v1/users/"+user+"/topics/"+topic+"/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET progress status = %d, body %s", rec.Code, rec.Body.String())
	}
	var record progress.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return &record
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, fields := doJSON(t, s, http.MethodGet, "/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if string(fields["status"]) != `"healthy"` {
		t.Errorf("status field = %s, want \"healthy\"", fields["status"])
	}
	if rec.Header().Get(CorrelationIDHeader) == "" {
		t.Error("expected correlation ID header on response")
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, fields := doJSON(t, s, http.MethodGet, "/v1/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if string(fields["primary_provider"]) != `"gemini"` {
		t.Errorf("primary_provider = %s, want \"gemini\"", fields["primary_provider"])
	}
	var providers []string
	if err := json.Unmarshal(fields["providers"], &providers); err != nil {
		t.Fatalf("decode providers: %v", err)
	}
	if len(providers) != 1 || providers[0] != "gemini" {
		t.Errorf("providers = %v, want [gemini]", providers)
	}
	if string(fields["fallback"]) != "false" {
		t.Errorf("fallback = %s, want false", fields["fallback"])
	}
	if string(fields["sync_enabled"]) != "false" {
		t.Errorf("sync_enabled = %s, want false", fields["sync_enabled"])
	}
}

func TestListTopics(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := doJSON(t, s, http.MethodGet, "/v1/topics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body struct {
		Topics []struct {
			ID    string `json:"id"`
			Nodes int    `json:"nodes"`
		} `json:"topics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Topics) != 1 {
		t.Fatalf("got %d topics, want 1", len(body.Topics))
	}
	if body.Topics[0].ID != "fractions" || body.Topics[0].Nodes != 3 {
		t.Errorf("topic = %+v, want fractions with 3 nodes", body.Topics[0])
	}
}

func TestGetProgressInitializesRecord(t *testing.T) {
	s := newTestServer(t, nil)

	record := getRecord(t, s, "alice", "fractions")
	if record.TopicID != "fractions" {
		t.Errorf("TopicID = %q, want fractions", record.TopicID)
	}
	if got := record.Nodes["fractions-intro"].Status; got != progress.StatusCurrent {
		t.Errorf("first node status = %q, want %q", got, progress.StatusCurrent)
	}
	if got := record.Nodes["fractions-add"].Status; got != progress.StatusLocked {
		t.Errorf("second node status = %q, want %q", got, progress.StatusLocked)
	}

	// A second request returns the persisted record, not a fresh one.
	again := getRecord(t, s, "alice", "fractions")
	if !again.StartedAt.Equal(record.StartedAt) {
		t.Errorf("StartedAt changed between loads: %v vs %v", again.StartedAt, record.StartedAt)
	}
}

func TestGetProgressUnknownTopic(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := doJSON(t, s, http.MethodGet, "/v1/users/alice/topics/algebra/progress", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRecordAttempt(t *testing.T) {
	s := newTestServer(t, nil)

	rec, fields := doJSON(t, s, http.MethodPost, "/v1/users/alice/topics/fractions/attempts", map[string]interface{}{
		"node_id":   "fractions-intro",
		"correct":   true,
		"first_try": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if string(fields["node_completed"]) != "false" {
		t.Errorf("node_completed = %s, want false", fields["node_completed"])
	}

	record := getRecord(t, s, "alice", "fractions")
	if record.TotalAttempted != 1 || record.TotalCorrect != 1 {
		t.Errorf("counters = %d/%d, want 1/1", record.TotalCorrect, record.TotalAttempted)
	}
	if want := progress.XPProblemCorrect + progress.XPFirstTryBonus; record.TotalXP != want {
		t.Errorf("TotalXP = %d, want %d", record.TotalXP, want)
	}
}

func TestRecordAttemptCompletesNodeAtThreshold(t *testing.T) {
	s := newTestServer(t, nil)

	// fractions-intro requires 2 correct answers.
	for i := 0; i < 2; i++ {
		rec, fields := doJSON(t, s, http.MethodPost, "/v1/users/bob/topics/fractions/attempts", map[string]interface{}{
			"node_id": "fractions-intro",
			"correct": true,
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d", i, rec.Code)
		}
		wantCompleted := i == 1
		if got := string(fields["node_completed"]) == "true"; got != wantCompleted {
			t.Errorf("attempt %d: node_completed = %v, want %v", i, got, wantCompleted)
		}
	}

	record := getRecord(t, s, "bob", "fractions")
	if got := record.Nodes["fractions-intro"].Status; got != progress.StatusCompleted {
		t.Errorf("node status = %q, want %q", got, progress.StatusCompleted)
	}
	if got := record.Nodes["fractions-add"].Status; got != progress.StatusCurrent {
		t.Errorf("next node status = %q, want %q", got, progress.StatusCurrent)
	}
	if want := 2*progress.XPProblemCorrect + progress.XPNodeComplete; record.TotalXP != want {
		t.Errorf("TotalXP = %d, want %d", record.TotalXP, want)
	}
}

func TestRecordAttemptValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{
			name:       "malformed body",
			path:       "/v1/users/alice/topics/fractions/attempts",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown node",
			path:       "/v1/users/alice/topics/fractions/attempts",
			body:       `{"node_id":"nonexistent","correct":true}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown topic",
			path:       "/v1/users/alice/topics/algebra/attempts",
			body:       `{"node_id":"fractions-intro","correct":true}`,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, bytes.NewReader([]byte(tt.body)))
			rec := httptest.NewRecorder()
			s.server.Handler.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestCompleteNodeEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec, _ := doJSON(t, s, http.MethodPost, "/v1/users/alice/topics/fractions/nodes/fractions-intro/complete", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	record := getRecord(t, s, "alice", "fractions")
	if got := record.Nodes["fractions-intro"].Status; got != progress.StatusCompleted {
		t.Errorf("node status = %q, want %q", got, progress.StatusCompleted)
	}
	if record.TotalXP != progress.XPNodeComplete {
		t.Errorf("TotalXP = %d, want %d", record.TotalXP, progress.XPNodeComplete)
	}

	rec, _ = doJSON(t, s, http.MethodPost, "/v1/users/alice/topics/fractions/nodes/bogus/complete", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown node status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	doJSON(t, s, http.MethodPost, "/v1/users/alice/topics/fractions/attempts", map[string]interface{}{
		"node_id": "fractions-intro", "correct": true, "first_try": true,
	})

	rec, _ := doJSON(t, s, http.MethodGet, "/v1/users/alice/topics/fractions/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats progress.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalXP != progress.XPProblemCorrect+progress.XPFirstTryBonus {
		t.Errorf("TotalXP = %d, want %d", stats.TotalXP, progress.XPProblemCorrect+progress.XPFirstTryBonus)
	}
}

func TestProgressIsolatedPerUser(t *testing.T) {
	s := newTestServer(t, nil)

	doJSON(t, s, http.MethodPost, "/v1/users/alice/topics/fractions/attempts", map[string]interface{}{
		"node_id": "fractions-intro", "correct": true,
	})

	other := getRecord(t, s, "carol", "fractions")
	if other.TotalAttempted != 0 {
		t.Errorf("carol TotalAttempted = %d, want 0", other.TotalAttempted)
	}
}

type stubRemote struct{}

func (stubRemote) Get(ctx context.Context, userID, topicID string) (*progress.Record, error) {
	return nil, nil
}

func (stubRemote) Put(ctx context.Context, userID, topicID string, rec *progress.Record) error {
	return nil
}

// First-load reconciliation bookkeeping is shared across keys; concurrent
// requests for different learners must not trip the race detector.
func TestConcurrentFirstLoadsAcrossUsers(t *testing.T) {
	s := newTestServer(t, nil)
	s.remote = stubRemote{}

	var wg stdsync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i%20)
			req := httptest.NewRequest(http.MethodGet, "/v1/users/"+user+"/topics/fractions/progress", nil)
			rec := httptest.NewRecorder()
			s.server.Handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("user %s: status = %d", user, rec.Code)
			}
		}(i)
	}
	wg.Wait()

	// Every key reconciled exactly once and recorded as such.
	for i := 0; i < 20; i++ {
		key := syncKeyFor(fmt.Sprintf("user-%d", i))
		if !s.isReconciled(key) {
			t.Errorf("key %s not marked reconciled", key.String())
		}
	}
}

func TestTutorGreet(t *testing.T) {
	backend := geminiStub(t, "Welcome back! Ready for some fractions?")
	defer backend.Close()

	s := newTestServer(t, func(cfg *config.LocalConfig, env *config.Config) {
		cfg.LLM.Providers["gemini"].URL = backend.URL
	})

	rec, fields := doJSON(t, s, http.MethodPost, "/v1/tutor/greet", map[string]interface{}{
		"learner_name": "Alice",
		"topic_id":     "fractions",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var greeting string
	if err := json.Unmarshal(fields["greeting"], &greeting); err != nil {
		t.Fatalf("decode greeting: %v", err)
	}
	if greeting != "Welcome back! Ready for some fractions?" {
		t.Errorf("greeting = %q", greeting)
	}
}

func TestTutorErrorsCarryDisplayCopy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer backend.Close()

	s := newTestServer(t, func(cfg *config.LocalConfig, env *config.Config) {
		cfg.LLM.Providers["gemini"].URL = backend.URL
	})

	rec, fields := doJSON(t, s, http.MethodPost, "/v1/tutor/greet", map[string]interface{}{
		"learner_name": "Alice",
		"topic_id":     "fractions",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if string(fields["kind"]) != `"`+string(llm.KindRateLimit)+`"` {
		t.Errorf("kind = %s, want rate_limit", fields["kind"])
	}
	display := llm.DisplayFor(llm.KindRateLimit)
	var title, message string
	json.Unmarshal(fields["error"], &title)
	json.Unmarshal(fields["message"], &message)
	if title != display.Title || message != display.Message {
		t.Errorf("display copy = %q/%q, want %q/%q", title, message, display.Title, display.Message)
	}
	if string(fields["retryable"]) != "true" {
		t.Errorf("retryable = %s, want true", fields["retryable"])
	}
}

func TestNewServerRequiresPrimaryProvider(t *testing.T) {
	topicsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(topicsDir, "fractions.yaml"), []byte(fractionsTopicYAML), 0644); err != nil {
		t.Fatalf("write topic fixture: %v", err)
	}

	cfg := config.DefaultLocalConfig()
	env := &config.Config{SyncEnabled: false} // no API keys at all

	_, err := NewServer(context.Background(), ServerConfig{
		Config:    cfg,
		Env:       env,
		DataPath:  t.TempDir(),
		TopicsDir: topicsDir,
	})
	if err == nil {
		t.Fatal("expected error when the primary provider has no credentials")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

func TestCorrelationIDPropagation(t *testing.T) {
	var seen string
	handler := correlationIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(CorrelationIDHeader, "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "req-123" {
		t.Errorf("correlation ID in context = %q, want %q", seen, "req-123")
	}
	if got := rec.Header().Get(CorrelationIDHeader); got != "req-123" {
		t.Errorf("response header = %q, want %q", got, "req-123")
	}
}
