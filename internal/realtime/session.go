package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-session/internal/audio"
	"github.com/lexiqai/voice-session/internal/observability"
	"github.com/lexiqai/voice-session/internal/orchestrator"
)

const (
	writeWait       = 10 * time.Second
	defaultPongWait = 60 * time.Second

	encodingWAV   = "wav"
	encodingMulaw = "mulaw"
)

// Client frame types
const (
	typeStart = "start"
	typeText  = "text"
	typeAudio = "audio"
	typeEnd   = "end"
)

// Server frame types
const (
	typeAgentSpeaking = "agent_speaking"
	typeCallEnded     = "call_ended"
	typeError         = "error"
)

var (
	errNotStarted      = errors.New("call not started")
	errAlreadyStarted  = errors.New("call already started")
	errUnknownType     = errors.New("unknown message type")
	errUnknownEncoding = errors.New("unknown audio encoding")
)

// Service is the part of the orchestrator a WebSocket session drives
type Service interface {
	StartCall(ctx context.Context) (orchestrator.Reply, error)
	SubmitText(ctx context.Context, callID, text string) (orchestrator.Reply, error)
	SubmitAudio(ctx context.Context, callID string, audio []byte) (orchestrator.Reply, error)
	EndCall(ctx context.Context, callID string)
	Disconnect(ctx context.Context, callID string)
}

// ClientMessage is a frame sent by the client
type ClientMessage struct {
	Type     string `json:"type"`
	UserText string `json:"user_text,omitempty"`
	Audio    string `json:"audio,omitempty"`    // Base64 encoded recording
	Encoding string `json:"encoding,omitempty"` // wav (default) or mulaw (8kHz raw G.711)
}

// ServerMessage is a frame sent to the client
type ServerMessage struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	UserText  string `json:"user_text,omitempty"`
	AgentText string `json:"agent_text,omitempty"`
	AudioURL  string `json:"audio_url,omitempty"`
	Status    int    `json:"status,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Handler upgrades requests to WebSocket sessions. Each connection drives
// at most one call.
type Handler struct {
	svc      Service
	upgrader websocket.Upgrader
	maxFrame int64
	pongWait time.Duration // Client silence tolerated between frames
}

// NewHandler creates a WebSocket handler. maxAudioBytes bounds the decoded
// recording in an audio frame.
func NewHandler(svc Service, allowOrigin string, maxAudioBytes int64) *Handler {
	return &Handler{
		svc: svc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == allowOrigin
			},
		},
		// base64 expansion plus the JSON envelope
		maxFrame: maxAudioBytes/3*4 + 4096,
		pongWait: defaultPongWait,
	}
}

// ServeHTTP upgrades the connection and runs the session until the client
// ends the call or goes away
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := observability.FromContext(r.Context()).With().Str("component", "realtime").Logger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	s := &session{
		svc:      h.svc,
		conn:     conn,
		logger:   logger,
		pongWait: h.pongWait,
		done:     make(chan struct{}),
	}
	conn.SetReadLimit(h.maxFrame)

	logger.Info().Msg("WebSocket session opened")
	s.run(observability.ContextWithLogger(r.Context(), logger))
}

// session is one WebSocket connection. Frames are handled in order on
// the reader goroutine, so exchanges on the call never overlap.
type session struct {
	svc      Service
	conn     *websocket.Conn
	logger   zerolog.Logger
	pongWait time.Duration

	writeMu sync.Mutex
	callID  string
	ended   bool
	done    chan struct{}
}

func (s *session) run(ctx context.Context) {
	// A hijacked connection closing does not cancel the request context
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	go s.keepAlive()
	defer close(s.done)

	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		return s.extendReadDeadline()
	})

	defer func() {
		if s.callID != "" && !s.ended {
			s.svc.Disconnect(ctx, s.callID)
		}
		s.logger.Info().Bool("ended", s.ended).Msg("WebSocket session closed")
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		s.extendReadDeadline()

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(http.StatusBadRequest, "Invalid message", err)
			continue
		}

		if !s.handle(ctx, msg) {
			return
		}
		// Pongs are not read while a turn runs, so the turn's duration
		// does not count against the client
		s.extendReadDeadline()
	}
}

func (s *session) extendReadDeadline() error {
	return s.conn.SetReadDeadline(time.Now().Add(s.pongWait))
}

// handle processes one client frame and reports whether the session
// should keep reading
func (s *session) handle(ctx context.Context, msg ClientMessage) bool {
	switch msg.Type {
	case typeStart:
		if s.callID != "" {
			s.sendError(http.StatusBadRequest, "Call already started", errAlreadyStarted)
			return true
		}
		reply, err := s.svc.StartCall(ctx)
		if err != nil {
			s.sendError(http.StatusInternalServerError, "Failed to start call", err)
			return true
		}
		s.callID = reply.CallID
		s.logger = s.logger.With().Str("call_id", s.callID).Logger()
		return s.send(ServerMessage{
			Type:      typeAgentSpeaking,
			CallID:    reply.CallID,
			AgentText: reply.Text,
			AudioURL:  reply.AudioURL,
		})

	case typeText:
		if s.callID == "" {
			s.sendError(http.StatusBadRequest, "Call not started", errNotStarted)
			return true
		}
		reply, err := s.svc.SubmitText(ctx, s.callID, msg.UserText)
		if err != nil {
			s.sendFailure(err, "user_text is required")
			return true
		}
		return s.send(ServerMessage{Type: typeAgentSpeaking, AgentText: reply.Text, AudioURL: reply.AudioURL})

	case typeAudio:
		if s.callID == "" {
			s.sendError(http.StatusBadRequest, "Call not started", errNotStarted)
			return true
		}
		recording, err := decodeAudio(msg)
		if err != nil {
			s.sendError(http.StatusBadRequest, "Invalid audio payload", err)
			return true
		}
		reply, err := s.svc.SubmitAudio(ctx, s.callID, recording)
		if err != nil {
			s.sendFailure(err, "audio is required")
			return true
		}
		return s.send(ServerMessage{
			Type:      typeAgentSpeaking,
			UserText:  reply.Transcript,
			AgentText: reply.Text,
			AudioURL:  reply.AudioURL,
		})

	case typeEnd:
		if s.callID != "" {
			s.svc.EndCall(ctx, s.callID)
		}
		s.ended = true
		s.send(ServerMessage{Type: typeCallEnded})
		s.close(websocket.CloseNormalClosure, "call ended")
		return false

	default:
		s.sendError(http.StatusBadRequest, "Unknown message type", errUnknownType)
		return true
	}
}

// decodeAudio returns the recording as a container the transcriber accepts
func decodeAudio(msg ClientMessage) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, audio.ErrEmptyAudio
	}

	switch strings.ToLower(msg.Encoding) {
	case "", encodingWAV:
		return raw, nil
	case encodingMulaw:
		return audio.MulawToPCM16WAV(raw, audio.SampleRateTelephony)
	default:
		return nil, errUnknownEncoding
	}
}

func (s *session) sendFailure(err error, invalidMsg string) {
	switch orchestrator.KindOf(err) {
	case orchestrator.KindInvalidInput:
		s.sendError(http.StatusBadRequest, invalidMsg, err)
	case orchestrator.KindNotFound:
		s.sendError(http.StatusNotFound, "Invalid call_id", err)
	case orchestrator.KindTranscription:
		s.sendError(http.StatusInternalServerError, "Speech recognition failed", err)
	default:
		s.sendError(http.StatusInternalServerError, "Voice generation failed", err)
	}
}

func (s *session) sendError(status int, msg string, err error) {
	event := s.logger.Warn()
	if status >= http.StatusInternalServerError && !orchestrator.IsClientError(err) {
		event = s.logger.Error()
	}
	event.Err(err).Int("status", status).Msg(msg)

	s.send(ServerMessage{Type: typeError, Status: status, Error: msg})
}

func (s *session) send(msg ServerMessage) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to write WebSocket message")
		return false
	}
	return true
}

func (s *session) close(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// keepAlive pings the client so dead connections are noticed by the
// read deadline
func (s *session) keepAlive() {
	ticker := time.NewTicker(s.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
