package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/tutorpath/tutorpath/internal/config"
	"github.com/tutorpath/tutorpath/internal/llm"
	"github.com/tutorpath/tutorpath/internal/progress"
	"github.com/tutorpath/tutorpath/internal/storage"
	"github.com/tutorpath/tutorpath/internal/sync"
)

const reconcileTimeout = 10 * time.Second

// Handler implementations

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":           "running",
		"version":          "0.1.0",
		"topics":           len(s.topics),
		"providers":        s.registry.List(),
		"primary_provider": s.executor.Primary(),
		"fallback":         s.executor.HasFallback(),
		"sync_enabled":     s.scheduler != nil,
	})
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	result := make([]map[string]interface{}, 0, len(s.topics))
	for _, topic := range s.topics {
		result = append(result, map[string]interface{}{
			"id":      topic.ID,
			"title":   topic.Title,
			"unified": topic.Unified,
			"nodes":   len(topic.Nodes),
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"topics": result,
	})
}

// Progress handlers

func (s *Server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	key, topic, ok := s.progressKey(w, r)
	if !ok {
		return
	}

	mu := s.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.loadRecord(r.Context(), key, topic)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to load progress", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rec)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	key, topic, ok := s.progressKey(w, r)
	if !ok {
		return
	}

	mu := s.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.loadRecord(r.Context(), key, topic)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to load progress", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, progress.DeriveStats(rec))
}

type attemptRequest struct {
	NodeID           string `json:"node_id"`
	Correct          bool   `json:"correct"`
	FirstTry         bool   `json:"first_try"`
	TimeSpentSeconds int    `json:"time_spent_seconds,omitempty"`
}

func (s *Server) handleRecordAttempt(w http.ResponseWriter, r *http.Request) {
	key, topic, ok := s.progressKey(w, r)
	if !ok {
		return
	}

	var req attemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if !nodeExists(topic, req.NodeID) {
		s.jsonError(w, http.StatusNotFound, "node not found", nil)
		return
	}

	mu := s.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.loadRecord(r.Context(), key, topic)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to load progress", err)
		return
	}

	progress.RecordAttempt(rec, req.NodeID, req.Correct, topic.Nodes, req.FirstTry)
	if req.TimeSpentSeconds > 0 {
		progress.AddTimeSpent(rec, req.NodeID, req.TimeSpentSeconds)
	}

	// Completion is reached, not requested: crossing the node's threshold
	// completes it in the same mutation batch.
	completed := false
	np := rec.Nodes[req.NodeID]
	if np != nil && np.Status != progress.StatusCompleted {
		if required := requiredCorrect(topic, req.NodeID); np.ProblemsCorrect >= required {
			progress.CompleteNode(rec, req.NodeID, topic.Nodes)
			completed = true
		}
	}

	if err := s.persistAndSchedule(key, rec); err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to save progress", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"record":         rec,
		"node_completed": completed,
	})
}

func (s *Server) handleCompleteNode(w http.ResponseWriter, r *http.Request) {
	key, topic, ok := s.progressKey(w, r)
	if !ok {
		return
	}
	nodeID := r.PathValue("node")
	if !nodeExists(topic, nodeID) {
		s.jsonError(w, http.StatusNotFound, "node not found", nil)
		return
	}

	mu := s.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.loadRecord(r.Context(), key, topic)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to load progress", err)
		return
	}

	progress.CompleteNode(rec, nodeID, topic.Nodes)
	if err := s.persistAndSchedule(key, rec); err != nil {
		s.jsonError(w, http.StatusInternalServerError, "failed to save progress", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, rec)
}

// Tutor handlers

type greetRequest struct {
	LearnerName string `json:"learner_name"`
	TopicID     string `json:"topic_id"`
}

func (s *Server) handleGreet(w http.ResponseWriter, r *http.Request) {
	var req greetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	title := req.TopicID
	if topic, ok := s.topics[req.TopicID]; ok {
		title = topic.Title
	}

	text, err := s.tutorService.Greet(r.Context(), req.LearnerName, title)
	if err != nil {
		s.aiError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"greeting": text,
	})
}

type problemRequest struct {
	TopicID    string `json:"topic_id"`
	NodeID     string `json:"node_id"`
	Difficulty int    `json:"difficulty"`
}

func (s *Server) handleGenerateProblem(w http.ResponseWriter, r *http.Request) {
	var req problemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	topic, ok := s.topics[req.TopicID]
	if !ok {
		s.jsonError(w, http.StatusNotFound, "topic not found", nil)
		return
	}
	nodeTitle := req.NodeID
	for _, n := range topic.Nodes {
		if n.ID == req.NodeID {
			nodeTitle = n.Title
			break
		}
	}

	problem, err := s.tutorService.GenerateProblem(r.Context(), topic.Title, nodeTitle, req.Difficulty)
	if err != nil {
		s.aiError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, problem)
}

type evaluateRequest struct {
	Question string `json:"question"`
	Expected string `json:"expected"`
	Answer   string `json:"answer"`
}

func (s *Server) handleEvaluateAnswer(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	eval, err := s.tutorService.EvaluateAnswer(r.Context(), req.Question, req.Expected, req.Answer)
	if err != nil {
		s.aiError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, eval)
}

// Helpers

func (s *Server) progressKey(w http.ResponseWriter, r *http.Request) (sync.Key, config.Topic, bool) {
	key := sync.Key{UserID: r.PathValue("user"), TopicID: r.PathValue("topic")}
	topic, ok := s.topics[key.TopicID]
	if !ok {
		s.jsonError(w, http.StatusNotFound, "topic not found", nil)
		return sync.Key{}, config.Topic{}, false
	}
	return key, topic, true
}

// loadRecord returns the record for key, reconciling local and remote state
// the first time the key is seen this process and initializing a fresh
// record when neither side has one. Callers hold the key lock.
func (s *Server) loadRecord(ctx context.Context, key sync.Key, topic config.Topic) (*progress.Record, error) {
	local, err := s.store.Load(key.UserID, key.TopicID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if s.remote == nil || s.isReconciled(key) {
		if local == nil {
			return s.initRecord(key, topic)
		}
		local.SyncNodes(topic.Nodes)
		return local, nil
	}

	rctx, cancel := context.WithTimeout(ctx, reconcileTimeout)
	defer cancel()
	remote, err := s.remote.Get(rctx, key.UserID, key.TopicID)
	if err != nil {
		// Offline-first: a broken remote never blocks practice.
		slog.Warn("remote fetch failed, using local state", "key", key.String(), "error", err)
		remote = nil
	}

	outcome := sync.Reconcile(local, remote)
	s.markReconciled(key)

	switch outcome.Action {
	case sync.ActionInitialize:
		return s.initRecord(key, topic)
	case sync.ActionAdoptRemote:
		if err := s.store.Save(key.UserID, key.TopicID, outcome.Record); err != nil {
			return nil, err
		}
	case sync.ActionUploadLocal:
		if s.scheduler != nil {
			s.scheduler.Schedule(key, outcome.Record)
		}
	}
	outcome.Record.SyncNodes(topic.Nodes)
	return outcome.Record, nil
}

func (s *Server) initRecord(key sync.Key, topic config.Topic) (*progress.Record, error) {
	rec := progress.NewRecord(topic.ID, topic.Nodes, topic.Unified)
	if err := s.store.Save(key.UserID, key.TopicID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// persistAndSchedule writes the mutated record locally, then schedules the
// debounced remote push. The local write is the source of truth; the push is
// best-effort.
func (s *Server) persistAndSchedule(key sync.Key, rec *progress.Record) error {
	if err := s.store.Save(key.UserID, key.TopicID, rec); err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.Schedule(key, rec)
	}
	return nil
}

func nodeExists(topic config.Topic, nodeID string) bool {
	for _, n := range topic.Nodes {
		if n.ID == nodeID {
			return true
		}
	}
	return false
}

func requiredCorrect(topic config.Topic, nodeID string) int {
	for _, n := range topic.Nodes {
		if n.ID == nodeID {
			return n.RequiredCorrect
		}
	}
	return 0
}

// aiError renders a classified AI failure with its fixed display copy; the
// client never synthesizes error text.
func (s *Server) aiError(w http.ResponseWriter, err error) {
	var classified *llm.Error
	if !errors.As(err, &classified) {
		s.jsonError(w, http.StatusInternalServerError, "ai operation failed", err)
		return
	}

	status := http.StatusBadGateway
	switch classified.Kind {
	case llm.KindRateLimit:
		status = http.StatusTooManyRequests
	case llm.KindTimeout:
		status = http.StatusGatewayTimeout
	case llm.KindAuthentication:
		status = http.StatusBadGateway // our credentials, not the client's
	}

	display := llm.DisplayFor(classified.Kind)
	s.jsonResponse(w, status, map[string]interface{}{
		"error":     display.Title,
		"message":   display.Message,
		"action":    display.Action,
		"kind":      string(classified.Kind),
		"retryable": classified.Retryable,
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]interface{}{
		"error":  message,
		"status": status,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	s.jsonResponse(w, status, response)
}
