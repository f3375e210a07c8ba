package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"supportgw/internal/chat"
	"supportgw/internal/gateway"
	"supportgw/internal/gatewaytest"
	"supportgw/internal/session"
)

func startGateway(t *testing.T, opts ...gatewaytest.Option) (*gatewaytest.Server, *httptest.Server) {
	t.Helper()
	gw := gatewaytest.NewServer(opts...)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})
	return gw, srv
}

func newClient(t *testing.T, url, userID string, support bool) *gateway.Client {
	t.Helper()
	client, err := gateway.NewClient(gateway.Config{
		URL: url + "/socket",
		Session: session.Session{
			UserID: userID,
			Token:  "tok-" + userID,
			Role:   session.RoleConsumer,
		},
		SupportView: support,
		Reconnect:   gateway.ReconnectPolicy{Disabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return client
}

func connect(t *testing.T, client *gateway.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNewClientRequiresToken(t *testing.T) {
	_, err := gateway.NewClient(gateway.Config{
		URL:     "ws://localhost/socket",
		Session: session.Session{UserID: "u1"},
	})
	if !errors.Is(err, session.ErrNoToken) {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestHandshakeRejectedWithBadToken(t *testing.T) {
	_, srv := startGateway(t, gatewaytest.WithAuth(func(token, _ string) bool {
		return token == "tok-good"
	}))

	client, err := gateway.NewClient(gateway.Config{
		URL:       srv.URL + "/socket",
		Session:   session.Session{UserID: "u1", Token: "tok-bad", Role: session.RoleConsumer},
		Reconnect: gateway.ReconnectPolicy{Disabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err == nil {
		t.Fatal("expected handshake rejection")
	}
	if client.State() != gateway.StateClosed {
		t.Fatalf("expected closed state after rejection, got %s", client.State())
	}
}

func TestJoinDeliversScopedHistory(t *testing.T) {
	gw, srv := startGateway(t)
	for _, content := range []string{"first", "second", "third"} {
		gw.PushMessage(chat.Message{ConversationID: "c1", SenderID: "agent", IsSenderSupport: true, Content: content})
	}

	client := newClient(t, srv.URL, "u1", false)
	store := chat.NewStore("u1")
	client.BindStore(store, nil, nil)

	connect(t, client)
	if err := client.Join("c1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(store.Messages("c1")) == 3 }, "history not delivered")
	msgs := store.Messages("c1")
	if msgs[0].Content != "first" || msgs[2].Content != "third" {
		t.Fatalf("history order lost: %+v", msgs)
	}
}

func TestRejoinDoesNotDuplicateHistory(t *testing.T) {
	gw, srv := startGateway(t)
	gw.PushMessage(chat.Message{ConversationID: "c1", SenderID: "agent", IsSenderSupport: true, Content: "hello"})

	client := newClient(t, srv.URL, "u1", false)
	store := chat.NewStore("u1")
	client.BindStore(store, nil, nil)
	connect(t, client)

	if err := client.Join("c1"); err != nil {
		t.Fatal(err)
	}
	if err := client.Join("c1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(store.Messages("c1")) >= 1 }, "history not delivered")
	// Let the second history frame land before asserting.
	time.Sleep(50 * time.Millisecond)
	if got := store.Messages("c1"); len(got) != 1 {
		t.Fatalf("double join duplicated history: %d messages", len(got))
	}
}

func TestOptimisticSendReconciliation(t *testing.T) {
	_, srv := startGateway(t)

	client := newClient(t, srv.URL, "u1", false)
	store := chat.NewStore("u1")
	client.BindStore(store, nil, nil)
	connect(t, client)
	if err := client.Join("c1"); err != nil {
		t.Fatal(err)
	}

	msg, err := client.SendMessage("c1", "hello there", false)
	if err != nil {
		t.Fatal(err)
	}
	store.AppendLocal(msg)

	waitFor(t, func() bool {
		list := store.Messages("c1")
		return len(list) == 1 && list[0].ID != ""
	}, "echo did not reconcile with the optimistic append")

	list := store.Messages("c1")
	if list[0].ClientID != msg.ClientID {
		t.Fatalf("client id lost in reconciliation: %+v", list[0])
	}
}

func TestSendWhileDisconnectedIsNoOp(t *testing.T) {
	_, srv := startGateway(t)

	client := newClient(t, srv.URL, "u1", false)
	store := chat.NewStore("u1")
	client.BindStore(store, nil, nil)

	_, err := client.SendMessage("c1", "into the void", false)
	if !errors.Is(err, gateway.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if got := store.Messages("c1"); len(got) != 0 {
		t.Fatalf("disconnected send must not touch local state, got %d messages", len(got))
	}
}

func TestMessageFanOutBetweenParticipants(t *testing.T) {
	_, srv := startGateway(t)

	consumer := newClient(t, srv.URL, "u1", false)
	agent := newClient(t, srv.URL, "agent1", true)

	consumerStore := chat.NewStore("u1")
	agentStore := chat.NewStore("agent1")
	consumer.BindStore(consumerStore, nil, nil)
	agent.BindStore(agentStore, nil, nil)

	connect(t, consumer)
	connect(t, agent)
	if err := consumer.Join("c1"); err != nil {
		t.Fatal(err)
	}
	if err := agent.Join("c1"); err != nil {
		t.Fatal(err)
	}

	msg, err := agent.SendMessage("c1", "how can I help?", false)
	if err != nil {
		t.Fatal(err)
	}
	agentStore.AppendLocal(msg)

	waitFor(t, func() bool { return len(consumerStore.Messages("c1")) == 1 }, "message not fanned out")
	got := consumerStore.Messages("c1")[0]
	if !got.IsSenderSupport || got.Content != "how can I help?" {
		t.Fatalf("unexpected delivery: %+v", got)
	}

	conv, ok := consumerStore.Conversation("c1")
	if !ok || conv.LastMessage != "how can I help?" {
		t.Fatalf("preview not updated: %+v", conv)
	}
}

func TestTypingRelayFeedsIndicators(t *testing.T) {
	_, srv := startGateway(t)

	consumer := newClient(t, srv.URL, "u1", false)
	agent := newClient(t, srv.URL, "agent1", true)

	indicators := chat.NewTypingIndicators(time.Minute, nil)
	defer indicators.Close()
	agent.BindStore(chat.NewStore("agent1"), nil, indicators)

	connect(t, consumer)
	connect(t, agent)
	if err := consumer.Join("c1"); err != nil {
		t.Fatal(err)
	}
	if err := agent.Join("c1"); err != nil {
		t.Fatal(err)
	}

	emitter := chat.NewTypingEmitter(func(convID string, isTyping bool) {
		_ = consumer.Typing(convID, isTyping)
	})
	emitter.InputChanged("c1", "hel")
	emitter.InputChanged("c1", "hell")

	waitFor(t, func() bool { return indicators.IsTyping("c1", "u1") }, "typing relay not observed")

	emitter.MessageSent("c1")
	waitFor(t, func() bool { return !indicators.IsTyping("c1", "u1") }, "typing stop not observed")
}

func TestUnreadCounterTracksClosedWidget(t *testing.T) {
	gw, srv := startGateway(t)

	client := newClient(t, srv.URL, "u1", false)
	store := chat.NewStore("u1")
	unread := chat.NewUnreadCounter()
	client.BindStore(store, unread, nil)

	connect(t, client)
	if err := client.Join(""); err != nil {
		t.Fatal(err)
	}

	// The widget channel is keyed by user id.
	gw.PushMessage(chat.Message{ConversationID: "u1", SenderID: "agent", IsSenderSupport: true, Content: "hi"})
	gw.PushMessage(chat.Message{ConversationID: "u1", SenderID: "agent", IsSenderSupport: true, Content: "there"})

	waitFor(t, func() bool { return unread.Count() == 2 }, "unread arrivals not counted")

	unread.Open()
	if got := unread.Count(); got != 0 {
		t.Fatalf("open must reset the counter, got %d", got)
	}
}

func TestReadReceiptMarksConversation(t *testing.T) {
	gw, srv := startGateway(t)

	client := newClient(t, srv.URL, "u1", false)
	store := chat.NewStore("u1")
	client.BindStore(store, nil, nil)
	connect(t, client)
	if err := client.Join("c1"); err != nil {
		t.Fatal(err)
	}

	gw.PushMessage(chat.Message{ConversationID: "c1", SenderID: "u1", Content: "anyone?"})
	waitFor(t, func() bool { return len(store.Messages("c1")) == 1 }, "message not delivered")

	gw.EmitRead("c1", "agent1")
	waitFor(t, func() bool {
		conv, ok := store.Conversation("c1")
		return ok && conv.LastMessageRead
	}, "read receipt not applied")
}

func TestCloseDetachesEverything(t *testing.T) {
	gw, srv := startGateway(t)

	client := newClient(t, srv.URL, "u1", false)
	store := chat.NewStore("u1")
	var deliveries atomic.Int64
	client.BindStore(store, nil, nil)
	client.OnMessage(func(gateway.MessageEvent) { deliveries.Add(1) })

	connect(t, client)
	if err := client.Join("c1"); err != nil {
		t.Fatal(err)
	}

	gw.PushMessage(chat.Message{ConversationID: "c1", SenderID: "agent", IsSenderSupport: true, Content: "before"})
	waitFor(t, func() bool { return deliveries.Load() == 1 }, "first message not delivered")

	client.Close()

	// Handlers registered after teardown must never fire either.
	client.OnMessage(func(gateway.MessageEvent) { deliveries.Add(100) })
	gw.PushMessage(chat.Message{ConversationID: "c1", SenderID: "agent", IsSenderSupport: true, Content: "after"})
	time.Sleep(100 * time.Millisecond)

	if got := deliveries.Load(); got != 1 {
		t.Fatalf("events delivered after Close: %d", got)
	}
	if got := store.Messages("c1"); len(got) != 1 {
		t.Fatalf("state mutated after Close: %d messages", len(got))
	}
	if _, err := client.SendMessage("c1", "zombie", false); !errors.Is(err, gateway.ErrNotConnected) && !errors.Is(err, gateway.ErrConnClosed) {
		t.Fatalf("expected send rejection after Close, got %v", err)
	}
}

func TestJoinFramePayloadShape(t *testing.T) {
	frames := make(chan []byte, 4)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frames <- data
		}
	}))
	t.Cleanup(srv.Close)

	client := newClient(t, srv.URL, "u1", true)
	connect(t, client)
	if err := client.Join(""); err != nil {
		t.Fatal(err)
	}

	var raw []byte
	select {
	case raw = <-frames:
	case <-time.After(3 * time.Second):
		t.Fatal("no frame received")
	}

	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	if env.Event != "join" {
		t.Fatalf("expected a join frame, got %q", env.Event)
	}
	var payload map[string]any
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["userId"] != "u1" || payload["isSupportChat"] != true {
		t.Fatalf("unexpected join payload: %v", payload)
	}
	if _, present := payload["conversationId"]; present {
		t.Fatal("widget join must omit conversationId")
	}

	// Exactly one join per Join call.
	select {
	case extra := <-frames:
		t.Fatalf("unexpected extra frame: %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDomainNotificationsReachHandlers(t *testing.T) {
	gw, srv := startGateway(t)

	client := newClient(t, srv.URL, "u1", false)
	var orderID, ticketUser atomic.Value
	client.OnExpressOrder(func(e gateway.ExpressOrderEvent) { orderID.Store(e.OrderID) })
	client.OnTicket(func(e gateway.TicketEvent) { ticketUser.Store(e.UserID) })

	connect(t, client)

	gw.EmitExpressOrder("u1", "o-77")
	gw.EmitTicket("u1")

	waitFor(t, func() bool { return orderID.Load() == "o-77" }, "express order notification not delivered")
	waitFor(t, func() bool { return ticketUser.Load() == "u1" }, "ticket notification not delivered")
}

func TestReconnectReplaysJoins(t *testing.T) {
	gw, srv := startGateway(t)
	gw.PushMessage(chat.Message{ConversationID: "c1", SenderID: "agent", IsSenderSupport: true, Content: "backfill"})

	client, err := gateway.NewClient(gateway.Config{
		URL:     srv.URL + "/socket",
		Session: session.Session{UserID: "u1", Token: "tok-u1", Role: session.RoleConsumer},
		Reconnect: gateway.ReconnectPolicy{
			MaxAttempts: 0,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    50 * time.Millisecond,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	store := chat.NewStore("u1")
	client.BindStore(store, nil, nil)
	var reconnects atomic.Int64
	client.OnReconnecting(func(int, time.Duration) { reconnects.Add(1) })

	connect(t, client)
	if err := client.Join("c1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(store.Messages("c1")) == 1 }, "initial history not delivered")

	// Drop every server-side connection; the client should dial back in and
	// replay its join, which re-seeds the history.
	gw.Close()

	waitFor(t, func() bool { return reconnects.Load() >= 1 }, "reconnect not attempted")
	waitFor(t, func() bool { return client.State() == gateway.StateOpen }, "client did not reconnect")
	waitFor(t, func() bool { return len(store.Messages("c1")) == 1 }, "join not replayed after reconnect")

	// The replayed connection is live end to end.
	msg, err := client.SendMessage("c1", "still here", false)
	if err != nil {
		t.Fatal(err)
	}
	store.AppendLocal(msg)
	waitFor(t, func() bool {
		list := store.Messages("c1")
		return len(list) == 2 && list[1].ID != ""
	}, "send after reconnect did not round trip")
}
