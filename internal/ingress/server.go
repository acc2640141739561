package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"evorelay/internal/bus"
	"evorelay/internal/domain"
)

const maxBodySize = 10 << 20 // inline media rides in the payload

// ServerConfig configures the webhook ingress server.
type ServerConfig struct {
	Host    string
	Port    int
	Metrics http.Handler // mounted at /metrics when non-nil
	Logger  *slog.Logger
}

// Server accepts Evolution API webhook events, extracts their content, and
// feeds the coalescing buffer. One URL per agent: POST /webhook/{agent_id}.
type Server struct {
	host      string
	port      int
	agents    domain.AgentStore
	buffer    domain.TurnBuffer
	extractor *Extractor
	events    *bus.EventBus
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
}

func NewServer(cfg ServerConfig, agents domain.AgentStore, buffer domain.TurnBuffer, extractor *Extractor, events *bus.EventBus) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8088
	}
	return &Server{
		host:      cfg.Host,
		port:      cfg.Port,
		agents:    agents,
		buffer:    buffer,
		extractor: extractor,
		events:    events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Handler returns the route table. Split out so tests can drive it with
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{agent_id}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("webhook server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

func (s *Server) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	agentID, err := strconv.ParseInt(r.PathValue("agent_id"), 10, 64)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"status": "error", "message": "Invalid agent id"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]any{"status": "error", "message": "Bad Request"})
		return
	}
	defer r.Body.Close()

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.logger.Error("invalid webhook JSON", "err", err)
		writeJSON(rw, http.StatusBadRequest, map[string]any{"status": "error", "message": "Invalid JSON"})
		return
	}

	if !env.HasCreds() {
		s.logger.Error("missing instance data in webhook payload", "instance", env.Instance)
		writeJSON(rw, http.StatusBadRequest, map[string]any{"status": "error", "message": "Missing instance data"})
		return
	}

	// Ignore non-message events and the bot's own outbound echoes.
	if env.Event != "messages.upsert" || env.Data.Key.FromMe {
		writeJSON(rw, http.StatusOK, map[string]any{"status": "ignored", "message": "Event not processed"})
		s.emit(bus.EventWebhookIgnored, map[string]any{"event": env.Event})
		return
	}

	jid := env.JID()
	if jid == "" {
		s.logger.Error("JID not found in webhook data")
		writeJSON(rw, http.StatusBadRequest, map[string]any{"status": "error", "message": "JID not found"})
		return
	}

	agent, err := s.agents.Agent(r.Context(), agentID)
	if err != nil {
		s.logger.Error("agent lookup failed", "agent_id", agentID, "err", err)
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"status": "error", "message": "Internal Server Error"})
		return
	}
	if agent == nil {
		s.logger.Error("webhook for unknown agent", "agent_id", agentID)
		writeJSON(rw, http.StatusNotFound, map[string]any{"status": "error", "message": fmt.Sprintf("Agent ID %d not found.", agentID)})
		return
	}

	extracted, ok := s.extractor.Extract(r.Context(), &env)
	if !ok {
		s.logger.Warn("message has no usable text content", "type", env.Data.MessageType, "jid", jid)
		writeJSON(rw, http.StatusOK, map[string]any{"status": "unsupported", "message": "Cannot process messages without text content at this time."})
		return
	}

	result := s.buffer.Submit(domain.Fragment{
		Key:       domain.BufferKey{JID: jid, Instance: env.Instance},
		AgentID:   agentID,
		MessageID: env.Data.Key.ID,
		PushName:  env.Data.PushName,
		Kind:      extracted.Kind,
		Content:   extracted.Content,
		MediaURL:  extracted.MediaURL,
		Creds: domain.ChannelCreds{
			Instance:  env.Instance,
			APIKey:    env.APIKey,
			ServerURL: env.ServerURL,
		},
	})

	s.logger.Info("webhook received",
		"agent_id", agentID,
		"jid", jid,
		"type", env.Data.MessageType,
		"submit", string(result),
	)
	s.emit(bus.EventWebhookReceived, map[string]any{
		"agent_id": agentID,
		"instance": env.Instance,
		"submit":   string(result),
	})

	reply := "Message received, debounce active."
	if result == domain.SubmitDuplicate {
		reply = "Duplicate message ignored."
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"status":      "success",
		"submit":      string(result),
		"reply":       reply,
		"instance_id": env.Instance,
		"agent_id":    agentID,
	})
}

func (s *Server) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) emit(eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(bus.Event{Type: eventType, Source: "ingress", Payload: payload})
}

func writeJSON(rw http.ResponseWriter, status int, body map[string]any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(body)
}
