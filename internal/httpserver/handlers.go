package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ronappleton/runbook-engine/internal/engine"
	"github.com/ronappleton/runbook-engine/internal/events"
	"github.com/ronappleton/runbook-engine/internal/executor"
	"github.com/ronappleton/runbook-engine/internal/healing"
	"github.com/ronappleton/runbook-engine/internal/runbook"
	"github.com/ronappleton/runbook-engine/internal/store"
)

const maxBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRunbooks(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.ListRunbooks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTemplates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": runbook.BuiltinTemplates})
}

func (s *Server) handleCreateRunbook(w http.ResponseWriter, r *http.Request) {
	rb, ok := s.decodeRunbook(w, r)
	if !ok {
		return
	}
	saved, err := s.svc.CreateRunbook(r.Context(), rb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleUpdateRunbook(w http.ResponseWriter, r *http.Request) {
	rb, ok := s.decodeRunbook(w, r)
	if !ok {
		return
	}
	rb.ID = chi.URLParam(r, "id")
	saved, err := s.svc.UpdateRunbook(r.Context(), rb)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// decodeRunbook reads a YAML or JSON document and checks it against the
// document schema.
func (s *Server) decodeRunbook(w http.ResponseWriter, r *http.Request) (runbook.Runbook, bool) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return runbook.Runbook{}, false
	}
	rb, err := runbook.Parse(body)
	if err != nil {
		s.writeError(w, err)
		return runbook.Runbook{}, false
	}
	return rb, true
}

type validateResponse struct {
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
	Order    []string `json:"order,omitempty"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rb, err := runbook.Parse(body)
	if err != nil {
		var verr *runbook.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusOK, validateResponse{Problems: verr.Problems})
			return
		}
		s.writeError(w, err)
		return
	}
	resp := validateResponse{Problems: rb.Validate()}
	resp.Valid = len(resp.Problems) == 0
	if resp.Valid {
		for _, st := range rb.TopologicalOrder() {
			resp.Order = append(resp.Order, st.ID)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetRunbook(w http.ResponseWriter, r *http.Request) {
	rb, err := s.svc.GetRunbook(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

func (s *Server) handleDeleteRunbook(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteRunbook(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunbookVersions(w http.ResponseWriter, r *http.Request) {
	items, err := s.svc.ListRunbookVersions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleRunbookVersion(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version < 1 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "version must be a positive integer"})
		return
	}
	rb, err := s.svc.GetRunbookVersion(r.Context(), chi.URLParam(r, "id"), version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rb)
}

func (s *Server) handleTriggerRunbook(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor string `json:"actor"`
	}
	if err := decodeOptionalJSON(w, r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	exec, err := s.svc.TriggerRunbook(r.Context(), chi.URLParam(r, "id"), body.Actor)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ExecutionFilter{RunbookID: q.Get("runbook_id"), Limit: queryInt(q.Get("limit"))}
	for _, st := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, runbook.ExecutionStatus(strings.ToUpper(st)))
	}
	items, err := s.svc.ListExecutions(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.executionAction(w, r, s.svc.PauseExecution)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.executionAction(w, r, s.svc.ResumeExecution)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.executionAction(w, r, s.svc.CancelExecution)
}

func (s *Server) executionAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) (runbook.Execution, error)) {
	exec, err := action(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// healing returns the self-healing engine or answers 503 when it is off.
func (s *Server) healing(w http.ResponseWriter) (*healing.Engine, bool) {
	h := s.svc.Healing()
	if h == nil {
		s.writeError(w, engine.ErrHealingDisabled)
		return nil, false
	}
	return h, true
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	items, err := h.ListRules(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	rule := healing.NewRule("", "", "")
	if err := decodeJSON(w, r, &rule); err != nil {
		s.writeError(w, err)
		return
	}
	rule.ID = ""
	created, err := h.CreateRule(r.Context(), rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	rule, err := h.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	rule, err := h.GetRule(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := decodeJSON(w, r, &rule); err != nil {
		s.writeError(w, err)
		return
	}
	rule.ID = id
	updated, err := h.UpdateRule(r.Context(), rule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	if err := h.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTriggerRule(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	he, err := h.TriggerManually(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, he)
}

func (s *Server) handleListHealingExecutions(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	q := r.URL.Query()
	items, err := h.ListExecutions(r.Context(), healing.ExecutionFilter{
		RuleID:  q.Get("rule_id"),
		AlertID: q.Get("alert_id"),
		Status:  healing.ExecutionStatus(strings.ToUpper(q.Get("status"))),
		Limit:   queryInt(q.Get("limit")),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetHealingExecution(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	he, err := h.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, he)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	he, err := h.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, he)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	h, ok := s.healing(w)
	if !ok {
		return
	}
	he, err := h.Reject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, he)
}

func (s *Server) handleAlertFired(w http.ResponseWriter, r *http.Request) {
	var fired healing.AlertFired
	if err := decodeJSON(w, r, &fired); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(fired.Alert.ID) == "" {
		s.writeError(w, &runbook.ValidationError{Problems: []string{"alert id is required"}})
		return
	}
	if fired.Alert.FiredAt.IsZero() {
		fired.Alert.FiredAt = time.Now().UTC()
	}
	if err := s.svc.PublishAlert(r.Context(), events.TopicAlertFired, fired); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleAlertResolved(w http.ResponseWriter, r *http.Request) {
	var resolved healing.AlertResolved
	if err := decodeJSON(w, r, &resolved); err != nil {
		s.writeError(w, err)
		return
	}
	if strings.TrimSpace(resolved.Alert.ID) == "" {
		s.writeError(w, &runbook.ValidationError{Problems: []string{"alert id is required"}})
		return
	}
	if resolved.ResolvedAt.IsZero() {
		resolved.ResolvedAt = time.Now().UTC()
	}
	if err := s.svc.PublishAlert(r.Context(), events.TopicAlertResolved, resolved); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleEventStream relays bus events as server-sent events until the
// client goes away or the server stops.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	topics := splitList(r.URL.Query().Get("topic"))
	if len(topics) == 0 {
		topics = events.AllTopics
	}

	merged := make(chan events.Envelope, 64)
	for _, topic := range topics {
		ch, unsubscribe, err := s.svc.Bus().Subscribe(r.Context(), topic)
		if err != nil {
			s.writeError(w, err)
			return
		}
		defer unsubscribe()
		go func() {
			for env := range ch {
				select {
				case merged <- env:
				case <-r.Context().Done():
					return
				}
			}
		}()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopping:
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ": keep-alive\n\n")
			flusher.Flush()
		case env := <-merged:
			data, err := json.Marshal(env)
			if err != nil {
				s.logger.Warn("encode stream event", zap.String("topic", env.Topic), zap.Error(err))
				continue
			}
			_, _ = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", env.ID, env.Topic, data)
			flusher.Flush()
		}
	}
}

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

var errBadRequest = errors.New("bad request")

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *runbook.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "validation failed", Problems: verr.Problems})
		return
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, runbook.ErrRunbookNotFound),
		errors.Is(err, runbook.ErrExecutionNotFound),
		errors.Is(err, healing.ErrRuleNotFound),
		errors.Is(err, healing.ErrExecutionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, executor.ErrExecutionFinished),
		errors.Is(err, executor.ErrNotRunning),
		errors.Is(err, executor.ErrNotPaused),
		errors.Is(err, executor.ErrRunbookDisabled),
		errors.Is(err, healing.ErrNotAwaitingApproval),
		errors.Is(err, engine.ErrRunbookExists):
		status = http.StatusConflict
	case errors.Is(err, healing.ErrRateLimited), errors.Is(err, healing.ErrCoolingDown):
		status = http.StatusTooManyRequests
	case errors.Is(err, engine.ErrHealingDisabled):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, fmt.Errorf("%w: body required", errBadRequest)
	}
	defer r.Body.Close()
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: body required", errBadRequest)
	}
	return b, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	b, err := readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: bad json: %v", errBadRequest, err)
	}
	return nil
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, v)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
