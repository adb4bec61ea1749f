package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"teamnotify/pkg/channels"
	"teamnotify/pkg/config"
	"teamnotify/pkg/logger"
	"teamnotify/pkg/session"
)

const maxRequestBytes = 64 << 10

type sendRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

type notifyRequest struct {
	UserName  string `json:"userName"`
	UserPhone string `json:"userPhone"`
	UserRole  string `json:"userRole"`
}

type dispatchRequest struct {
	Phone       string `json:"phone"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	Message     string `json:"message"`
}

type pairingView struct {
	OrgID     string               `json:"orgId"`
	Kind      channels.ChannelKind `json:"kind"`
	State     session.State        `json:"state"`
	Challenge *session.QRPayload   `json:"challenge,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"channels":       s.adapters.Kinds(),
		"sessions":       len(s.sessions.Snapshot()),
	})
}

// handleProxySend relays {phone, message} to a provider with the shared
// channel settings. It does not consult the session gate.
func (s *Server) handleProxySend(kind channels.ChannelKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Phone) == "" || strings.TrimSpace(req.Message) == "" {
			writeError(w, http.StatusBadRequest, "Phone number and message are required")
			return
		}

		cfg := s.config.SharedChannel(kind)
		if err := cfg.Validate(); err != nil {
			writeError(w, http.StatusInternalServerError, channels.AsSendError(err).Message)
			return
		}

		ctx, cancel := s.sendContext(r.Context())
		defer cancel()
		resp, err := s.adapters.Send(ctx, cfg, channels.Recipient{PhoneNumber: req.Phone}, req.Message)
		if err != nil {
			s.writeSendError(w, kind, err)
			return
		}
		writeRaw(w, http.StatusOK, resp)
	}
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserPhone) == "" {
		writeError(w, http.StatusBadRequest, "userPhone is required")
		return
	}

	cfg := s.config.SharedChannel(channels.KindWebhook)
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusInternalServerError, channels.AsSendError(err).Message)
		return
	}

	ctx, cancel := s.sendContext(r.Context())
	defer cancel()
	resp, err := s.adapters.Send(ctx, cfg, channels.Recipient{
		PhoneNumber: req.UserPhone,
		DisplayName: req.UserName,
		Role:        req.UserRole,
	}, "")
	if err != nil {
		s.writeSendError(w, channels.KindWebhook, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "sent", "response": resp})
}

func (s *Server) sendContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.config.Dispatch.Timeout())
}

func (s *Server) writeSendError(w http.ResponseWriter, kind channels.ChannelKind, err error) {
	se := channels.AsSendError(err)
	logger.WarnCF("server", "Proxy send failed", map[string]interface{}{
		logger.FieldChannel:    string(kind),
		logger.FieldHTTPStatus: se.HTTPStatus,
		logger.FieldError:      se.Error(),
	})

	switch se.Class {
	case channels.ClassConfiguration:
		writeError(w, http.StatusBadRequest, se.Message)
	case channels.ClassProviderRejection:
		writeError(w, se.HTTPStatus, se.Message)
	case channels.ClassMalformedResponse:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to parse %s API response", providerName(kind)))
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "An internal error occurred while sending the message",
			"details": se.Message,
		})
	}
}

func providerName(kind channels.ChannelKind) string {
	switch kind {
	case channels.KindWhatsApp, channels.KindWhatsAppWeb:
		return "WhatsApp"
	case channels.KindSignal:
		return "Signal"
	default:
		return "webhook"
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	cfg, org, ok := s.resolveOrg(w, orgID)
	if !ok {
		return
	}

	var req dispatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recipient := channels.Recipient{PhoneNumber: req.Phone, DisplayName: req.DisplayName, Role: req.Role}
	if m, found := org.Member(req.Phone); found {
		if recipient.DisplayName == "" {
			recipient.DisplayName = m.Name
		}
		if recipient.Role == "" {
			recipient.Role = m.Role
		}
	}
	body := req.Message
	if strings.TrimSpace(body) == "" {
		body = s.config.Dispatch.DefaultMessage
	}

	outcome := s.router.Dispatch(r.Context(), cfg, recipient, body)
	writeJSON(w, outcome.ResponseCode(), outcome)
}

func (s *Server) handleBeginPairing(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	cfg, _, ok := s.resolveOrg(w, orgID)
	if !ok {
		return
	}

	qr, err := s.sessions.BeginPairing(r.Context(), orgID, cfg.Kind)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, pairingView{OrgID: orgID, Kind: cfg.Kind, State: session.StatePairing, Challenge: &qr})
	case errors.Is(err, session.ErrAlreadyPaired):
		writeJSON(w, http.StatusOK, pairingView{OrgID: orgID, Kind: cfg.Kind, State: session.StateAuthenticated})
	case errors.Is(err, session.ErrPairingNotRequired):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s does not require pairing", cfg.Kind))
	case errors.Is(err, session.ErrNoPairer):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handlePairingState(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	cfg, _, ok := s.resolveOrg(w, orgID)
	if !ok {
		return
	}

	view := pairingView{OrgID: orgID, Kind: cfg.Kind, State: s.sessions.State(orgID, cfg.Kind)}
	if qr, pending := s.sessions.Challenge(orgID, cfg.Kind); pending {
		view.Challenge = &qr
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	cfg, _, ok := s.resolveOrg(w, orgID)
	if !ok {
		return
	}

	err := s.sessions.Logout(r.Context(), orgID, cfg.Kind)
	switch {
	case errors.Is(err, session.ErrPairingNotRequired):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s does not require pairing", cfg.Kind))
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, pairingView{OrgID: orgID, Kind: cfg.Kind, State: session.StateDisconnected})
	}
}

// resolveOrg writes the error response itself when the organization cannot
// be resolved.
func (s *Server) resolveOrg(w http.ResponseWriter, orgID string) (channels.ChannelConfig, config.Organization, bool) {
	org, err := s.config.Organization(orgID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return channels.ChannelConfig{}, config.Organization{}, false
	}
	cfg, err := s.config.ChannelFor(orgID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return channels.ChannelConfig{}, config.Organization{}, false
	}
	return cfg, org, true
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"error":"failed to encode response"}`)
	}
	writeRaw(w, status, data)
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) sendFromSocket(ctx context.Context, req SocketSend) error {
	if strings.TrimSpace(req.OrgID) == "" {
		return errors.New("orgId is required")
	}
	cfg, err := s.config.ChannelFor(req.OrgID)
	if err != nil {
		return err
	}
	body := req.Message
	if strings.TrimSpace(body) == "" {
		body = s.config.Dispatch.DefaultMessage
	}

	outcome := s.router.Dispatch(ctx, cfg, channels.Recipient{PhoneNumber: req.Phone}, body)
	if outcome.Sent() {
		return nil
	}
	return errors.New(outcome.Message)
}
