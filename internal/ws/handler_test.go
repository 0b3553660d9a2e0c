package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/exparo/exparo/internal/experiment"
	"github.com/exparo/exparo/internal/identity"
	"github.com/exparo/exparo/internal/pubsub"
	"github.com/exparo/exparo/internal/store"
)

type fixture struct {
	srv     *httptest.Server
	store   *store.MemoryStore
	svc     *experiment.Service
	hub     *pubsub.Hub
	project store.Project
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	hub := pubsub.NewHub()
	log := zerolog.Nop()
	svc := experiment.NewService(s, hub, log)
	res := identity.NewResolver(s, log)

	project, err := s.CreateProject(context.Background(), store.Project{
		OwnerID: uuid.New(),
		APIKey:  "ws-test-key",
		Title:   "WS",
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/experiments/", NewHandler(s, res, svc, hub, log))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: s, svc: svc, hub: hub, project: project}
}

func (f *fixture) runningExperiment(t *testing.T, key string) store.Experiment {
	t.Helper()
	ctx := context.Background()
	exp, _, err := f.svc.Create(ctx, experiment.CreateParams{
		ProjectID: f.project.ID, Key: key, Name: key, Kind: store.KindMulti,
	})
	if err != nil {
		t.Fatalf("create experiment: %v", err)
	}
	if _, err := f.svc.AddVariant(ctx, exp.ID, "a", nil, 1.0); err != nil {
		t.Fatalf("add variant: %v", err)
	}
	if _, err := f.svc.AddVariant(ctx, exp.ID, "b", nil, 0.0); err != nil {
		t.Fatalf("add variant: %v", err)
	}
	running := store.StatusRunning
	exp, err = f.svc.Update(ctx, exp.ID, experiment.UpdateParams{Status: &running})
	if err != nil {
		t.Fatalf("start experiment: %v", err)
	}
	return exp
}

func (f *fixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/experiments/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("got %v, want close error", err)
	}
	if closeErr.Code != code {
		t.Fatalf("close code %d, want %d", closeErr.Code, code)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return msg
}

func TestHandshake_MissingAPIKey(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "device_id=dev-1")
	expectClose(t, conn, CloseNoAPIKey)
}

func TestHandshake_InvalidAPIKey(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "api_key=wrong&device_id=dev-1")
	expectClose(t, conn, CloseInvalidAPIKey)
}

func TestHandshake_MissingIdentifier(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, "api_key=ws-test-key")
	expectClose(t, conn, CloseNoIdentifier)
}

func TestInitialExperimentState(t *testing.T) {
	f := newFixture(t)
	f.runningExperiment(t, "checkout")

	conn := f.dial(t, "api_key=ws-test-key&device_id=dev-1&experiments=checkout")
	msg := readMessage(t, conn)
	if msg.Type != MsgExperimentState {
		t.Fatalf("type = %q, want %s", msg.Type, MsgExperimentState)
	}
	if msg.Experiment == nil || msg.Experiment.Key != "checkout" {
		t.Errorf("experiment: %+v", msg.Experiment)
	}
	if msg.Variant == nil || msg.Variant.Key != "a" {
		t.Errorf("variant: %+v", msg.Variant)
	}
}

func TestSubscribeCommand(t *testing.T) {
	f := newFixture(t)
	f.runningExperiment(t, "checkout")

	conn := f.dial(t, "api_key=ws-test-key&device_id=dev-1")
	if err := conn.WriteJSON(command{Type: CmdSubscribe, ExperimentKey: "checkout"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MsgExperimentState || msg.Experiment.Key != "checkout" {
		t.Fatalf("message: %+v", msg)
	}
}

func TestSubscribeUnknownExperimentIgnored(t *testing.T) {
	f := newFixture(t)
	f.runningExperiment(t, "checkout")

	conn := f.dial(t, "api_key=ws-test-key&device_id=dev-1")
	if err := conn.WriteJSON(command{Type: CmdSubscribe, ExperimentKey: "nope"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(command{Type: "bogus_command"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Neither produces a reply; the session stays usable.
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected reply: %s", raw)
	}

	if err := conn.WriteJSON(command{Type: CmdSubscribe, ExperimentKey: "checkout"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readMessage(t, conn)
	if msg.Type != MsgExperimentState || msg.Experiment.Key != "checkout" {
		t.Fatalf("message: %+v", msg)
	}
}

func TestSubscribeDraftExperiment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, _, err := f.svc.Create(ctx, experiment.CreateParams{
		ProjectID: f.project.ID, Key: "draft-exp", Name: "Draft", Kind: store.KindMulti,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.AddVariant(ctx, exp.ID, "a", nil, 1.0); err != nil {
		t.Fatalf("add variant: %v", err)
	}

	// Subscribing to a draft experiment sends no state, but the session
	// joins its group and sees updates once it goes running.
	conn := f.dial(t, "api_key=ws-test-key&device_id=dev-1&experiments=draft-exp")
	time.Sleep(100 * time.Millisecond)

	running := store.StatusRunning
	if _, err := f.svc.Update(ctx, exp.ID, experiment.UpdateParams{Status: &running}); err != nil {
		t.Fatalf("start: %v", err)
	}
	variants, err := f.store.ListVariants(ctx, exp.ID)
	if err != nil {
		t.Fatalf("list variants: %v", err)
	}
	payload := map[string]any{"v": 2}
	if _, err := f.svc.UpdateVariant(ctx, variants[0].ID, experiment.VariantParams{Payload: &payload}); err != nil {
		t.Fatalf("update variant: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Type != MsgExperimentUpdated || msg.Experiment.Key != "draft-exp" {
		t.Fatalf("message: %+v", msg)
	}
}

func TestDistributionUpdatePush(t *testing.T) {
	f := newFixture(t)
	exp := f.runningExperiment(t, "checkout")

	conn := f.dial(t, "api_key=ws-test-key&device_id=dev-1&experiments=checkout")
	state := readMessage(t, conn)
	if state.Type != MsgExperimentState {
		t.Fatalf("state: %+v", state)
	}

	// Flip the live variant; the session's user moves from a to b and
	// must be told.
	variants, err := f.store.ListVariants(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("list variants: %v", err)
	}
	zero, one := 0.0, 1.0
	updates := map[uuid.UUID]experiment.VariantParams{}
	for _, v := range variants {
		switch v.Key {
		case "a":
			updates[v.ID] = experiment.VariantParams{Rollout: &zero}
		case "b":
			updates[v.ID] = experiment.VariantParams{Rollout: &one}
		}
	}
	if _, err := f.svc.BulkUpdateVariants(context.Background(), exp.ID, updates); err != nil {
		t.Fatalf("bulk update: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		if msg.Type == MsgDistributionUpdated {
			if msg.Variant == nil || msg.Variant.Key != "b" {
				t.Fatalf("distribution update variant: %+v", msg.Variant)
			}
			return
		}
	}
	t.Fatal("no distribution update received")
}

func TestExperimentUpdatePush(t *testing.T) {
	f := newFixture(t)
	exp := f.runningExperiment(t, "checkout")

	conn := f.dial(t, "api_key=ws-test-key&device_id=dev-1&experiments=checkout")
	if msg := readMessage(t, conn); msg.Type != MsgExperimentState {
		t.Fatalf("state: %+v", msg)
	}

	variants, err := f.store.ListVariants(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("list variants: %v", err)
	}
	payload := map[string]any{"color": "blue"}
	for _, v := range variants {
		if v.Key == "a" {
			if _, err := f.svc.UpdateVariant(context.Background(), v.ID, experiment.VariantParams{Payload: &payload}); err != nil {
				t.Fatalf("update variant: %v", err)
			}
		}
	}

	msg := readMessage(t, conn)
	if msg.Type != MsgExperimentUpdated {
		t.Fatalf("type = %q, want %s", msg.Type, MsgExperimentUpdated)
	}
	if msg.Variant == nil || msg.Variant.Payload["color"] != "blue" {
		t.Errorf("variant payload: %+v", msg.Variant)
	}
}

func TestUnsubscribeStopsExperimentEvents(t *testing.T) {
	f := newFixture(t)
	exp := f.runningExperiment(t, "checkout")

	conn := f.dial(t, "api_key=ws-test-key&device_id=dev-1&experiments=checkout")
	if msg := readMessage(t, conn); msg.Type != MsgExperimentState {
		t.Fatalf("state: %+v", msg)
	}
	if err := conn.WriteJSON(command{Type: CmdUnsubscribe, ExperimentKey: "checkout"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Give the server a moment to process the unsubscribe.
	time.Sleep(100 * time.Millisecond)

	variants, err := f.store.ListVariants(context.Background(), exp.ID)
	if err != nil {
		t.Fatalf("list variants: %v", err)
	}
	payload := map[string]any{"v": 2}
	for _, v := range variants {
		if v.Key == "a" {
			if _, err := f.svc.UpdateVariant(context.Background(), v.ID, experiment.VariantParams{Payload: &payload}); err != nil {
				t.Fatalf("update variant: %v", err)
			}
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, raw, err := conn.ReadMessage(); err == nil {
		t.Fatalf("unexpected message after unsubscribe: %s", raw)
	}
}
