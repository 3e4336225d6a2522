package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/harun/platepal/internal/observability"
	"github.com/harun/platepal/internal/tracing"
	"github.com/harun/platepal/pkg/agent"
	"github.com/harun/platepal/pkg/assistant"
	"github.com/harun/platepal/pkg/commandqueue"
	"github.com/harun/platepal/pkg/personality"
	"github.com/harun/platepal/pkg/session"
	"github.com/rs/zerolog/log"
)

type personalityRequest struct {
	Personality string `json:"personality"`
}

type sendRequest struct {
	Text          string `json:"text"`
	AttachmentURL string `json:"attachmentUrl"`
}

type messagesResponse struct {
	Messages   []assistant.Message `json:"messages"`
	Transcript string              `json:"transcript,omitempty"`
	Error      string              `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.clients.Count(),
	})
}

func (s *Server) handlePersonalities(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, personality.All())
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var payload personalityRequest
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	conv, err := s.conversations.Resolve(r.Context(), userIDFromContext(r.Context()), payload.Personality)
	if err != nil {
		s.fail(w, r, "resolve", err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	messages, err := s.conversations.Transcript(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, "transcript", err)
		return
	}
	respondJSON(w, http.StatusOK, messagesResponse{Messages: nonNil(messages)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var payload sendRequest
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.send(w, r, payload.Text, payload.AttachmentURL, "")
}

// send writes the new messages. On a failed run the user's message is still
// returned next to the error so the client can render it.
func (s *Server) send(w http.ResponseWriter, r *http.Request, text, attachmentURL, transcript string) {
	ctx := r.Context()
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		ctx = session.WithRequestID(ctx, key)
	}

	messages, err := s.conversations.Send(ctx, userIDFromContext(ctx), text, attachmentURL)
	if err != nil {
		status, msg := statusFor(err)
		s.logFailure(r.Context(), "send", status, err)
		if len(messages) == 0 {
			respondError(w, status, msg)
			return
		}
		respondJSON(w, status, messagesResponse{Messages: messages, Transcript: transcript, Error: msg})
		return
	}
	respondJSON(w, http.StatusOK, messagesResponse{Messages: messages, Transcript: transcript})
}

func (s *Server) handleChangePersonality(w http.ResponseWriter, r *http.Request) {
	var payload personalityRequest
	if err := decodeJSON(r, &payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.Personality == "" {
		respondError(w, http.StatusBadRequest, "personality is required")
		return
	}

	userID := userIDFromContext(r.Context())
	conv, err := s.conversations.ChangePersonality(r.Context(), userID, payload.Personality)
	observability.RecordDataAudit(r.Context(), "conversation.personality", userID, err, map[string]interface{}{
		"personality": payload.Personality,
	})
	if err != nil {
		s.fail(w, r, "personality", err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	conv, err := s.conversations.Clear(r.Context(), userID)
	observability.RecordDataAudit(r.Context(), "conversation.reset", userID, err, nil)
	if err != nil {
		s.fail(w, r, "reset", err)
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleWipe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFromContext(r.Context())
	err := s.conversations.WipeAll(r.Context(), userID)
	observability.RecordDataAudit(r.Context(), "conversation.wipe", userID, err, nil)
	if err != nil {
		s.fail(w, r, "wipe", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleVoice transcribes an uploaded voice note and sends the text.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "audio file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read audio")
		return
	}

	text, err := s.conversations.Transcribe(r.Context(), assistant.AudioInput{
		Data:     data,
		Filename: header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		s.fail(w, r, "transcribe", err)
		return
	}
	if text == "" {
		respondError(w, http.StatusUnprocessableEntity, "no speech detected")
		return
	}
	s.send(w, r, text, r.FormValue("attachmentUrl"), text)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusFor(err)
	s.logFailure(r.Context(), op, status, err)
	respondError(w, status, msg)
}

func (s *Server) logFailure(ctx context.Context, op string, status int, err error) {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.Err(err).Str("op", op).Int("status", status).Msg("Request failed")
}

// statusFor maps engine errors to an HTTP status and a client-safe message.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrUserRequired),
		errors.Is(err, session.ErrEmptyMessage),
		errors.Is(err, personality.ErrUnknown):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrNoReply):
		return http.StatusBadGateway, session.ErrNoReply.Error()
	case errors.Is(err, commandqueue.ErrLaneCleared):
		return http.StatusConflict, "conversation was reset while the request was waiting"
	case errors.Is(err, agent.ErrRunActive):
		return http.StatusConflict, agent.ErrRunActive.Error()
	case errors.Is(err, commandqueue.ErrClosed):
		return http.StatusServiceUnavailable, "server is shutting down"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func nonNil(messages []assistant.Message) []assistant.Message {
	if messages == nil {
		return []assistant.Message{}
	}
	return messages
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
