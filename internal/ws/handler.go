// Package ws implements the websocket subscription surface: sessions
// authenticate with a project API key, resolve to a user, join event
// groups, and receive experiment and distribution updates as they
// commit.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/exparo/exparo/internal/experiment"
	"github.com/exparo/exparo/internal/identity"
	"github.com/exparo/exparo/internal/pubsub"
	"github.com/exparo/exparo/internal/store"
	"github.com/exparo/exparo/internal/telemetry"
)

// Application close codes sent during the post-upgrade handshake.
const (
	CloseNoAPIKey        = 4000
	CloseInvalidAPIKey   = 4001
	CloseNoIdentifier    = 4002
	CloseIdentityFailure = 4003
)

// Outgoing message types.
const (
	MsgExperimentState     = "experiment_state"
	MsgExperimentUpdated   = "experiment_updated"
	MsgDistributionUpdated = "distribution_updated"
)

// Incoming command types.
const (
	CmdSubscribe   = "subscribe_experiment"
	CmdUnsubscribe = "unsubscribe_experiment"
)

const (
	writeWait      = 10 * time.Second
	eventBuffer    = 32
	maxMessageSize = 4096
)

// Handler upgrades websocket sessions and runs them against the hub.
type Handler struct {
	store       store.Store
	identity    *identity.Resolver
	experiments *experiment.Service
	hub         *pubsub.Hub
	upgrader    websocket.Upgrader
	log         zerolog.Logger
}

// NewHandler creates a websocket handler.
func NewHandler(s store.Store, res *identity.Resolver, svc *experiment.Service, hub *pubsub.Hub, log zerolog.Logger) *Handler {
	return &Handler{
		store:       s,
		identity:    res,
		experiments: svc,
		hub:         hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

type message struct {
	Type       string                    `json:"type"`
	Experiment *pubsub.ExperimentSummary `json:"experiment,omitempty"`
	Status     string                    `json:"status,omitempty"`
	Kind       string                    `json:"kind,omitempty"`
	Variant    *pubsub.VariantSummary    `json:"variant,omitempty"`
}

type command struct {
	Type          string `json:"type"`
	ExperimentKey string `json:"experiment_key"`
}

// ServeHTTP upgrades the connection, then performs the application
// handshake. Failures after the upgrade are reported through close
// codes so browser clients can distinguish them.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	q := r.URL.Query()
	apiKey := q.Get("api_key")
	if apiKey == "" {
		closeWith(conn, CloseNoAPIKey, "api_key is required")
		return
	}
	project, err := h.store.GetProjectByAPIKey(r.Context(), apiKey)
	if err != nil {
		closeWith(conn, CloseInvalidAPIKey, "invalid api_key")
		return
	}

	in := identity.InputFromValues(q)
	user, err := h.identity.Resolve(r.Context(), project.ID, in)
	if err != nil {
		if errors.Is(err, identity.ErrNoIdentifier) {
			closeWith(conn, CloseNoIdentifier, "at least one identifier is required")
		} else {
			closeWith(conn, CloseIdentityFailure, "could not resolve user")
		}
		return
	}

	sess := &session{
		handler:       h,
		conn:          conn,
		project:       project,
		user:          user,
		sub:           h.hub.NewSubscriber(eventBuffer),
		subscriptions: make(map[string]uuid.UUID),
	}
	sess.run(q.Get("experiments"))
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// session is one connected client. The write mutex serializes the
// reader's replies with the hub pump.
type session struct {
	handler *Handler
	conn    *websocket.Conn
	project store.Project
	user    store.User
	sub     *pubsub.Subscriber

	writeMu sync.Mutex
	// subscriptions maps experiment key to id for unsubscribe and
	// teardown accounting.
	subscriptions map[string]uuid.UUID
}

func (s *session) run(experimentKeys string) {
	telemetry.WSSessions.Inc()
	defer func() {
		telemetry.WSSessions.Dec()
		telemetry.WSSubscriptions.Sub(float64(len(s.subscriptions)))
		s.sub.Close()
		_ = s.conn.Close()
	}()

	s.sub.Join(pubsub.UserGroup(s.user.ID))
	s.sub.Join(pubsub.ProjectGroup(s.project.ID))

	for _, key := range strings.Split(experimentKeys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			s.subscribe(key)
		}
	}

	done := make(chan struct{})
	go s.pump(done)
	s.readLoop()
	close(done)
}

// pump forwards hub events to the connection until the session ends.
func (s *session) pump(done <-chan struct{}) {
	for {
		select {
		case ev, ok := <-s.sub.C():
			if !ok {
				return
			}
			s.writeEvent(ev)
		case <-done:
			return
		}
	}
}

func (s *session) writeEvent(ev pubsub.Event) {
	var msgType string
	switch ev.Type {
	case pubsub.TypeExperimentUpdate:
		msgType = MsgExperimentUpdated
	case pubsub.TypeDistributionUpdate:
		msgType = MsgDistributionUpdated
	default:
		return
	}
	exp := ev.Experiment
	variant := ev.Variant
	s.write(message{Type: msgType, Experiment: &exp, Variant: &variant})
}

func (s *session) write(msg message) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		_ = s.conn.Close()
	}
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		// Malformed payloads and unknown command types are ignored.
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Type {
		case CmdSubscribe:
			s.subscribe(cmd.ExperimentKey)
		case CmdUnsubscribe:
			s.unsubscribe(cmd.ExperimentKey)
		}
	}
}

// subscribe joins the experiment's group and sends the initial state.
// Unknown keys are ignored. Group membership does not depend on status,
// so a session subscribed to a draft experiment starts receiving
// updates once it goes running; only the assignment and the initial
// state message require a running experiment.
func (s *session) subscribe(key string) {
	ctx := context.Background()
	exp, err := s.handler.store.GetExperimentByKey(ctx, s.project.ID, key)
	if err != nil {
		return
	}

	if _, already := s.subscriptions[key]; !already {
		s.subscriptions[key] = exp.ID
		s.sub.Join(pubsub.ExperimentGroup(exp.ID))
		telemetry.WSSubscriptions.Inc()
	}

	if exp.Status != store.StatusRunning {
		return
	}
	a, err := s.handler.experiments.Assign(ctx, exp, s.user)
	if err != nil {
		return
	}

	expSummary := pubsub.SummarizeExperiment(exp)
	varSummary := pubsub.SummarizeVariant(a.Variant)
	s.write(message{
		Type:       MsgExperimentState,
		Experiment: &expSummary,
		Status:     string(exp.Status),
		Kind:       string(exp.Kind),
		Variant:    &varSummary,
	})
}

func (s *session) unsubscribe(key string) {
	id, ok := s.subscriptions[key]
	if !ok {
		return
	}
	delete(s.subscriptions, key)
	s.sub.Leave(pubsub.ExperimentGroup(id))
	telemetry.WSSubscriptions.Dec()
}
