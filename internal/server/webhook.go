package server

import (
	"errors"
	"io"
	"net/http"

	"wanote/internal/domain"
)

// handleWebhook acknowledges as soon as the body is parsed. Processing runs
// in the background; only an authentication failure is refused.
func (s *Server) handleWebhook(gw domain.Gateway) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, s.opts.Config.MaxBodyBytes))
		if err != nil {
			writeError(rw, http.StatusBadRequest, "bad request")
			return
		}
		defer r.Body.Close()

		if err := gw.Authenticate(r, body); err != nil {
			s.opts.Logger.Warn("webhook authentication failed", "source", gw.Source(), "remote", r.RemoteAddr, "err", err)
			writeError(rw, http.StatusForbidden, "forbidden")
			return
		}

		n, err := s.opts.Pipeline.Accept(gw, body)
		switch {
		case errors.Is(err, domain.ErrMalformedPayload):
			writeJSON(rw, http.StatusOK, map[string]string{"status": "ignored"})
		case err != nil:
			s.opts.Logger.Error("webhook accept failed", "source", gw.Source(), "err", err)
			writeJSON(rw, http.StatusOK, map[string]string{"status": "ignored"})
		case n == 0:
			writeJSON(rw, http.StatusOK, map[string]string{"status": "ignored"})
		default:
			writeJSON(rw, http.StatusOK, map[string]any{"status": "accepted", "messages": n})
		}
	}
}

func (s *Server) handleBridgeStatus(rw http.ResponseWriter, r *http.Request) {
	st := s.opts.Bridge.Status(r.Context())
	writeJSON(rw, http.StatusOK, map[string]any{
		"gateway":        "wppconnect",
		"session_status": st,
	})
}

func (s *Server) handleHealth(rw http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "healthy",
		"version": s.opts.Version,
		"uptime":  s.since(),
	}
	if s.opts.Guard != nil {
		resp["whitelist_entries"] = len(s.opts.Guard.Snapshot().Entries())
	}
	if src, ok := s.opts.Outbound.(interface{ Sources() []domain.Source }); ok {
		resp["gateways"] = src.Sources()
	}
	if s.opts.Events != nil {
		resp["events_recorded"] = s.opts.Events.HistoryLen()
	}
	status := http.StatusOK
	if s.opts.Ping != nil {
		if err := s.opts.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(rw, status, resp)
}
