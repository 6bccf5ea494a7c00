package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/orchestrator"
	"github.com/lexiqai/voice-session/internal/session"
)

const (
	statusAgentSpeaking = "agent_speaking"
	statusCallEnded     = "call_ended"

	maxJSONBodyBytes = 1 << 20
	audioFormField   = "audio"
)

// Caller-visible error messages
const (
	msgStartFailed      = "Failed to start call"
	msgMessageRequired  = "call_id and user_text are required"
	msgAudioRequired    = "call_id and audio are required"
	msgInvalidCallID    = "Invalid call_id"
	msgVoiceFailed      = "Voice generation failed"
	msgNoAudio          = "No audio file received"
	msgAudioTooLarge    = "Audio file too large"
	msgRecognitionError = "Speech recognition failed"
)

// Service is the session API the handlers drive
type Service interface {
	StartCall(ctx context.Context) (orchestrator.Reply, error)
	SubmitText(ctx context.Context, callID, text string) (orchestrator.Reply, error)
	SubmitAudio(ctx context.Context, callID string, audio []byte) (orchestrator.Reply, error)
	Transcribe(ctx context.Context, audio []byte) (string, error)
	EndCall(ctx context.Context, callID string)
	GetCall(callID string) (session.Call, error)
}

// Handler serves the session boundary API over HTTP
type Handler struct {
	svc           Service
	maxAudioBytes int64
}

type startCallResponse struct {
	CallID    string `json:"call_id"`
	Status    string `json:"status"`
	AgentText string `json:"agent_text"`
	AudioURL  string `json:"audio_url"`
}

type agentResponse struct {
	Status    string `json:"status"`
	UserText  string `json:"user_text,omitempty"`
	AgentText string `json:"agent_text"`
	AudioURL  string `json:"audio_url"`
}

type transcriptResponse struct {
	UserText string `json:"user_text"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type callResponse struct {
	CallID    string         `json:"call_id"`
	State     session.State  `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	Turns     []session.Turn `json:"turns"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type sendMessageRequest struct {
	CallID   string `json:"call_id"`
	UserText string `json:"user_text"`
}

type endCallRequest struct {
	CallID string `json:"call_id"`
}

// NewHandler creates the HTTP handlers. Uploads larger than maxAudioBytes
// are rejected.
func NewHandler(svc Service, maxAudioBytes int64) *Handler {
	return &Handler{svc: svc, maxAudioBytes: maxAudioBytes}
}

// Register mounts the session routes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /start-call", h.StartCall)
	mux.HandleFunc("POST /send-message", h.SendMessage)
	mux.HandleFunc("POST /send-audio", h.SendAudio)
	mux.HandleFunc("POST /speech-to-text", h.SpeechToText)
	mux.HandleFunc("POST /end-call", h.EndCall)
	mux.HandleFunc("GET /calls/{id}", h.GetCall)
	mux.HandleFunc("GET /{$}", h.Root)
}

// StartCall handles POST /start-call
func (h *Handler) StartCall(w http.ResponseWriter, r *http.Request) {
	reply, err := h.svc.StartCall(r.Context())
	if err != nil {
		h.writeFailure(w, r, http.StatusInternalServerError, msgStartFailed, err)
		return
	}

	writeJSON(w, http.StatusOK, startCallResponse{
		CallID:    reply.CallID,
		Status:    statusAgentSpeaking,
		AgentText: reply.Text,
		AudioURL:  reply.AudioURL,
	})
}

// SendMessage handles POST /send-message
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeFailure(w, r, http.StatusBadRequest, msgMessageRequired, err)
		return
	}

	reply, err := h.svc.SubmitText(r.Context(), req.CallID, req.UserText)
	if err != nil {
		status, msg := submitFailure(err, msgMessageRequired)
		h.writeFailure(w, r, status, msg, err)
		return
	}

	writeJSON(w, http.StatusOK, agentResponse{
		Status:    statusAgentSpeaking,
		AgentText: reply.Text,
		AudioURL:  reply.AudioURL,
	})
}

// SendAudio handles POST /send-audio: one multipart request carrying
// call_id and the caller's recording
func (h *Handler) SendAudio(w http.ResponseWriter, r *http.Request) {
	audio, status, msg, err := h.readAudio(w, r)
	if err != nil {
		if status == http.StatusBadRequest && msg == msgNoAudio {
			msg = msgAudioRequired
		}
		h.writeFailure(w, r, status, msg, err)
		return
	}

	reply, err := h.svc.SubmitAudio(r.Context(), r.FormValue("call_id"), audio)
	if err != nil {
		status, msg := submitFailure(err, msgAudioRequired)
		h.writeFailure(w, r, status, msg, err)
		return
	}

	writeJSON(w, http.StatusOK, agentResponse{
		Status:    statusAgentSpeaking,
		UserText:  reply.Transcript,
		AgentText: reply.Text,
		AudioURL:  reply.AudioURL,
	})
}

// SpeechToText handles POST /speech-to-text. It only transcribes; the
// client submits the text separately.
func (h *Handler) SpeechToText(w http.ResponseWriter, r *http.Request) {
	audio, status, msg, err := h.readAudio(w, r)
	if err != nil {
		h.writeFailure(w, r, status, msg, err)
		return
	}

	text, err := h.svc.Transcribe(r.Context(), audio)
	if err != nil {
		if orchestrator.KindOf(err) == orchestrator.KindInvalidInput {
			h.writeFailure(w, r, http.StatusBadRequest, msgNoAudio, err)
			return
		}
		h.writeFailure(w, r, http.StatusInternalServerError, msgRecognitionError, err)
		return
	}

	writeJSON(w, http.StatusOK, transcriptResponse{UserText: text})
}

// EndCall handles POST /end-call. It always succeeds.
func (h *Handler) EndCall(w http.ResponseWriter, r *http.Request) {
	var req endCallRequest
	_ = decodeJSON(w, r, &req)

	h.svc.EndCall(r.Context(), req.CallID)
	writeJSON(w, http.StatusOK, statusResponse{Status: statusCallEnded})
}

// GetCall handles GET /calls/{id}
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	call, err := h.svc.GetCall(r.PathValue("id"))
	if err != nil {
		h.writeFailure(w, r, http.StatusNotFound, msgInvalidCallID, err)
		return
	}

	turns := call.Turns
	if turns == nil {
		turns = []session.Turn{}
	}
	writeJSON(w, http.StatusOK, callResponse{
		CallID:    call.ID,
		State:     call.State(),
		CreatedAt: call.CreatedAt,
		Turns:     turns,
	})
}

// Root answers GET / so a browser pointed at the service sees it is up
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "Voice session service is running\n")
}

// readAudio extracts the "audio" file field from a multipart upload
func (h *Handler) readAudio(w http.ResponseWriter, r *http.Request) ([]byte, int, string, error) {
	// Leave room for multipart framing and the other fields
	r.Body = http.MaxBytesReader(w, r.Body, h.maxAudioBytes+maxJSONBodyBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusBadRequest, msgAudioTooLarge, err
		}
		return nil, http.StatusBadRequest, msgNoAudio, err
	}

	file, _, err := r.FormFile(audioFormField)
	if err != nil {
		return nil, http.StatusBadRequest, msgNoAudio, err
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxAudioBytes+1))
	if err != nil {
		return nil, http.StatusBadRequest, msgNoAudio, err
	}
	if int64(len(data)) > h.maxAudioBytes {
		return nil, http.StatusBadRequest, msgAudioTooLarge, errors.New("audio exceeds upload limit")
	}
	if len(data) == 0 {
		return nil, http.StatusBadRequest, msgNoAudio, orchestrator.ErrEmptyAudio
	}
	return data, 0, "", nil
}

// submitFailure maps a SubmitText/SubmitAudio error onto a status and message
func submitFailure(err error, invalidMsg string) (int, string) {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindInvalidInput:
		return http.StatusBadRequest, invalidMsg
	case orchestrator.KindNotFound:
		return http.StatusNotFound, msgInvalidCallID
	case orchestrator.KindTranscription:
		return http.StatusInternalServerError, msgRecognitionError
	default:
		return http.StatusInternalServerError, msgVoiceFailed
	}
}

func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, status int, msg string, err error) {
	logger := observability.FromContext(r.Context())
	event := logger.Warn()
	if status >= http.StatusInternalServerError && !orchestrator.IsClientError(err) {
		event = logger.Error()
	}
	event.Err(err).Int("status", status).Str("path", r.URL.Path).Msg(msg)

	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return errors.New("content type must be application/json")
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
