package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tomluvoe/agentgw/internal/rag"
	"github.com/tomluvoe/agentgw/internal/service"
	"github.com/tomluvoe/agentgw/internal/sessions"
)

const defaultSessionListLimit = 50

type chatRequest struct {
	SkillName string `json:"skill_name"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

func (r *chatRequest) validate() error {
	if strings.TrimSpace(r.SkillName) == "" {
		return fmt.Errorf("skill_name is required")
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// handleChat streams a run as Server-Sent Events: a data line per text
// delta, "event: tool" per tool execution, "event: done" at the end.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, session, err := s.svc.Chat(r.Context(), req.SkillName, req.Message, req.SessionID)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range events {
		switch {
		case ev.Text != "":
			writeSSEData(w, ev.Text)
		case ev.Tool != nil:
			payload, _ := json.Marshal(map[string]any{
				"tool":     ev.Tool.Name,
				"is_error": ev.Tool.IsError,
			})
			fmt.Fprintf(w, "event: tool\ndata: %s\n\n", payload)
		case ev.Done != nil:
			payload, _ := json.Marshal(map[string]any{
				"session_id": session.ID,
				"text":       ev.Done.Text,
			})
			fmt.Fprintf(w, "event: done\ndata: %s\n\n", payload)
		case ev.Err != nil:
			payload, _ := json.Marshal(map[string]any{"error": ev.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
		}
		flusher.Flush()
	}
}

// writeSSEData emits one SSE data frame, splitting embedded newlines
// across data lines as the protocol requires.
func writeSSEData(w http.ResponseWriter, text string) {
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, session, err := s.svc.Run(r.Context(), req.SkillName, req.Message, req.SessionID)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"session_id": session.ID,
		"result":     result,
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Message string `json:"message"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	decision, err := s.svc.Route(r.Context(), req.Message)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text       string   `json:"text"`
		Source     string   `json:"source"`
		Skills     []string `json:"skills,omitempty"`
		Tags       []string `json:"tags,omitempty"`
		Collection string   `json:"collection,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	count, err := s.svc.Ingest(r.Context(), rag.IngestRequest{
		Source:     req.Source,
		Text:       req.Text,
		Skills:     req.Skills,
		Tags:       req.Tags,
		Collection: req.Collection,
	})
	if err != nil {
		if errors.Is(err, rag.ErrEmptyText) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chunks_added": count})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query      string   `json:"query"`
		Collection string   `json:"collection,omitempty"`
		Skills     []string `json:"skills,omitempty"`
		Tags       []string `json:"tags,omitempty"`
		TopK       int      `json:"top_k,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	hits, err := s.svc.SearchDocuments(r.Context(), rag.SearchRequest{
		Query:      req.Query,
		Collection: req.Collection,
		Skills:     req.Skills,
		Tags:       req.Tags,
		TopK:       req.TopK,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	results := make([]map[string]any, 0, len(hits))
	for _, hit := range hits {
		results = append(results, map[string]any{
			"id":     hit.Chunk.ID,
			"source": hit.Chunk.Metadata.Source,
			"score":  hit.Score,
			"text":   hit.Chunk.Text,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	docs, err := s.svc.ListDocuments(r.Context(), rag.ListRequest{
		Collection:      q.Get("collection"),
		Skills:          splitParam(q.Get("skills")),
		SourceSubstring: q.Get("source"),
		Limit:           limit,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
	})
}

func (s *Server) handleDeleteDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ids := splitParam(q.Get("ids"))
	source := q.Get("source")
	if len(ids) == 0 && source == "" {
		s.writeError(w, http.StatusBadRequest, "either ids or source must be given")
		return
	}

	deleted, err := s.svc.DeleteDocuments(r.Context(), ids, source)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageID string `json:"message_id"`
		Value     int    `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.MessageID == "" {
		s.writeError(w, http.StatusBadRequest, "message_id is required")
		return
	}

	if err := s.svc.SetFeedback(r.Context(), req.MessageID, req.Value); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSkills(w http.ResponseWriter, r *http.Request) {
	type skillInfo struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Tags        []string `json:"tags,omitempty"`
		Tools       []string `json:"tools,omitempty"`
	}
	loaded := s.svc.Skills().List()
	out := make([]skillInfo, 0, len(loaded))
	for _, skill := range loaded {
		out = append(out, skillInfo{
			Name:        skill.Name,
			Description: skill.Description,
			Tags:        skill.Tags,
			Tools:       skill.Tools,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"skills": out})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultSessionListLimit
	}

	list, err := s.svc.ListSessions(r.Context(), q.Get("skill"), limit)
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.svc.SessionMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.svc.Status()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"provider": status.Provider,
		"model":    status.Model,
	})
}

func (s *Server) handleDaemonStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"service": s.svc.Status(),
		"time":    time.Now().UTC(),
	}
	if s.scheduler != nil {
		jobs := s.scheduler.Jobs()
		summaries := make([]map[string]any, 0, len(jobs))
		for i := range jobs {
			job := &jobs[i]
			summaries = append(summaries, map[string]any{
				"name":       job.Spec.Name,
				"skill":      job.Spec.SkillName,
				"enabled":    job.Spec.Enabled,
				"next_run":   job.NextRun,
				"last_run":   job.LastRun,
				"last_error": job.LastError,
			})
		}
		out["scheduler"] = map[string]any{"enabled": true, "jobs": summaries}
	} else {
		out["scheduler"] = map[string]any{"enabled": false}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "agentgw %s\n", s.version)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func splitParam(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps service errors onto HTTP statuses: unknown names are
// 404, invalid input 400, everything else (persistence included) 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownSkill),
		errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, sessions.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, sessions.ErrInvalidFeedback):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
