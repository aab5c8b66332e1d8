package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"wanote/internal/config"
	"wanote/internal/domain"
	"wanote/internal/store"
)

const adminMaxBody = 1 << 20

// requireAdmin checks the bearer token when one is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	token := s.opts.Config.AdminToken
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(rw, http.StatusUnauthorized, "invalid admin token")
				return
			}
		}
		next.ServeHTTP(rw, r)
	})
}

func (s *Server) handleListClients(rw http.ResponseWriter, r *http.Request) {
	if s.opts.Clients == nil {
		writeError(rw, http.StatusServiceUnavailable, "client store not configured")
		return
	}
	entries, err := s.opts.Clients.ListClients(r.Context())
	if err != nil {
		s.opts.Logger.Error("list clients failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "could not list clients")
		return
	}
	if entries == nil {
		entries = []domain.WhitelistEntry{}
	}
	writeJSON(rw, http.StatusOK, entries)
}

func (s *Server) handleUpsertClient(rw http.ResponseWriter, r *http.Request) {
	if s.opts.Clients == nil {
		writeError(rw, http.StatusServiceUnavailable, "client store not configured")
		return
	}
	var entry domain.WhitelistEntry
	if !s.decode(rw, r, &entry) {
		return
	}
	entry.SenderID = store.Digits(entry.SenderID)
	entry.DisplayName = strings.TrimSpace(entry.DisplayName)
	if err := s.validate.Struct(entry); err != nil {
		writeError(rw, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now().UTC()
	}

	if err := s.opts.Clients.UpsertClient(r.Context(), entry); err != nil {
		s.opts.Logger.Error("upsert client failed", "err", err)
		writeError(rw, http.StatusInternalServerError, "could not save client")
		return
	}
	s.refreshGuard(r)
	s.opts.Logger.Info("client added", "phone", entry.SenderID, "name", entry.DisplayName)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "success", "message": "Added " + displayOr(entry)})
}

func (s *Server) handleDeleteClient(rw http.ResponseWriter, r *http.Request) {
	if s.opts.Clients == nil {
		writeError(rw, http.StatusServiceUnavailable, "client store not configured")
		return
	}
	phone := store.Digits(chi.URLParam(r, "phone"))
	if phone == "" {
		writeError(rw, http.StatusBadRequest, "phone required")
		return
	}
	removed, err := s.opts.Clients.DeleteClient(r.Context(), phone)
	if err != nil {
		s.opts.Logger.Error("delete client failed", "phone", phone, "err", err)
		writeError(rw, http.StatusInternalServerError, "could not delete client")
		return
	}
	if !removed {
		writeError(rw, http.StatusNotFound, "client not found")
		return
	}
	s.refreshGuard(r)
	s.opts.Logger.Info("client removed", "phone", phone)
	writeJSON(rw, http.StatusOK, map[string]string{"status": "success"})
}

type sendRequest struct {
	Phone   string        `json:"phone" validate:"required"`
	Message string        `json:"message" validate:"required,max=4096"`
	Source  domain.Source `json:"source,omitempty" validate:"omitempty,oneof=cloud-api bridge"`
}

// handleSend delivers an operator-written message through a gateway. The
// bridge is preferred when no source is given and it is configured.
func (s *Server) handleSend(rw http.ResponseWriter, r *http.Request) {
	if s.opts.Outbound == nil {
		writeError(rw, http.StatusServiceUnavailable, "no outbound gateway configured")
		return
	}
	var req sendRequest
	if !s.decode(rw, r, &req) {
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(rw, http.StatusBadRequest, "Phone and Message required")
		return
	}
	if req.Source == "" {
		req.Source = domain.SourceCloudAPI
		if s.opts.Bridge != nil {
			req.Source = domain.SourceBridge
		}
	}

	err := s.opts.Outbound.Send(r.Context(), domain.OutboundMessage{
		Source:  req.Source,
		ChatID:  req.Phone,
		Content: req.Message,
	})
	if err != nil {
		s.opts.Logger.Warn("manual send failed", "source", req.Source, "err", err)
		writeJSON(rw, http.StatusBadGateway, map[string]string{"status": "error", "message": "Failed to send message via Gateway"})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]string{"status": "success"})
}

// handleEvents replays recent pipeline transitions.
// Query: type (default "*"), since (RFC 3339), limit.
func (s *Server) handleEvents(rw http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeJSON(rw, http.StatusOK, []any{})
		return
	}
	q := r.URL.Query()
	eventType := q.Get("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(rw, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = t
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(rw, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events := s.opts.Events.Replay(eventType, since, limit)
	if events == nil {
		writeJSON(rw, http.StatusOK, []any{})
		return
	}
	writeJSON(rw, http.StatusOK, events)
}

// handleGetConfig returns the running config with secrets masked.
func (s *Server) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	if s.opts.App == nil {
		writeError(rw, http.StatusServiceUnavailable, "config not loaded")
		return
	}
	writeJSON(rw, http.StatusOK, config.Sanitize(s.opts.App))
}

func (s *Server) decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, adminMaxBody))
	if err != nil {
		writeError(rw, http.StatusBadRequest, "bad request")
		return false
	}
	defer r.Body.Close()
	if err := json.Unmarshal(body, v); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func (s *Server) refreshGuard(r *http.Request) {
	if s.opts.Guard == nil {
		return
	}
	if err := s.opts.Guard.Refresh(r.Context()); err != nil {
		s.opts.Logger.Warn("whitelist refresh after change failed", "err", err)
	}
}

func (s *Server) since() string {
	return time.Since(s.started).Round(time.Second).String()
}

func displayOr(e domain.WhitelistEntry) string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.SenderID
}
