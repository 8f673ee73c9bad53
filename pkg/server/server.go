// Package server exposes the HTTP surface of the relay: routine CRUD, call
// placement, telephony webhooks, and the media-stream websocket endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/gawyli/wakecall/pkg/calls"
	"github.com/gawyli/wakecall/pkg/config"
	"github.com/gawyli/wakecall/pkg/conversation"
	"github.com/gawyli/wakecall/pkg/relay"
	"github.com/gawyli/wakecall/pkg/routines"
)

// RoutineStore is the persistence surface the handlers need.
type RoutineStore interface {
	GetByID(ctx context.Context, id string) (*routines.Routine, error)
	ListByUserProfileID(ctx context.Context, userProfileID string) ([]*routines.Routine, error)
	Create(ctx context.Context, r *routines.Routine) error
	Update(ctx context.Context, r *routines.Routine) error
	Delete(ctx context.Context, id string) error
}

// CallPlacer places outbound calls and renders the bridge TwiML.
type CallPlacer interface {
	PlaceCall(ctx context.Context, toNumber, routineID string) (string, error)
	StreamTwiML(routineID string) (string, error)
	ValidateWebhook(r *http.Request) bool
}

// ConversationConnector opens an AI conversation primed with the given
// system prompt.
type ConversationConnector func(ctx context.Context, systemPrompt string) (relay.Conversation, error)

type Dependencies struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   RoutineStore
	Dialer  CallPlacer
	Calls   *calls.Tracker
	Connect ConversationConnector
}

type Server struct {
	deps     Dependencies
	logger   *slog.Logger
	mux      *http.ServeMux
	draining atomic.Bool
}

func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Connect == nil {
		deps.Connect = DefaultConnector(deps.Config, deps.Logger)
	}
	s := &Server{
		deps:   deps,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// DefaultConnector dials the configured realtime AI endpoint.
func DefaultConnector(cfg config.Config, logger *slog.Logger) ConversationConnector {
	return func(ctx context.Context, systemPrompt string) (relay.Conversation, error) {
		return conversation.Connect(ctx, conversation.Config{
			URL:                cfg.AIRealtimeURL,
			APIKey:             cfg.AIAPIKey,
			Model:              cfg.AIModel,
			Voice:              cfg.AIVoice,
			AudioFormat:        "g711_ulaw",
			TranscriptionModel: cfg.AITranscriptionModel,
			VADSilence:         cfg.VADSilenceDuration,
			SystemPrompt:       systemPrompt,
			ConnectTimeout:     cfg.AIConnectTimeout,
			WriteTimeout:       cfg.WSWriteTimeout,
		}, logger)
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /readyz", s.handleReady)

	s.mux.HandleFunc("POST /api/calls/{routineID}", s.handlePlaceCall)
	s.mux.HandleFunc("POST /api/calls/webhook/{routineID}", s.handleCallWebhook)
	s.mux.HandleFunc("POST /api/calls/status", s.handleStatusCallback)
	s.mux.HandleFunc("GET /api/calls/status", s.handleActiveCalls)

	s.mux.HandleFunc("GET /ws/media-stream/{routineID}", s.handleMediaStream)

	s.mux.HandleFunc("POST /api/routines", s.handleCreateRoutine)
	s.mux.HandleFunc("GET /api/routines", s.handleListRoutines)
	s.mux.HandleFunc("GET /api/routines/{id}", s.handleGetRoutine)
	s.mux.HandleFunc("PUT /api/routines/{id}", s.handleUpdateRoutine)
	s.mux.HandleFunc("DELETE /api/routines/{id}", s.handleDeleteRoutine)
}

// Handler wraps the mux in the standard middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = Recover(s.logger, h)
	h = AccessLog(s.logger, h)
	h = RequestID(h)
	return h
}

// SetDraining makes the server refuse new calls while existing ones finish.
func (s *Server) SetDraining(v bool) {
	s.draining.Store(v)
}
