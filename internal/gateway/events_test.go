package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"supportgw/internal/chat"
)

func TestEncodeDecodeMessageEvent(t *testing.T) {
	msg := chat.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "agent",
		Content:        "hello",
		SentAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	raw, err := EncodeEnvelope(EventNewSupportMessage, msg)
	if err != nil {
		t.Fatal(err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := ev.(MessageEvent)
	if !ok {
		t.Fatalf("expected MessageEvent, got %T", ev)
	}
	if got.Message.ID != "m1" || got.Message.Content != "hello" {
		t.Fatalf("round trip lost fields: %+v", got.Message)
	}
}

func TestDecodeHistoryEvent(t *testing.T) {
	raw := []byte(`{"event":"chatHistory","data":{"conversationId":"c1","messages":[{"id":"m1","conversationId":"c1","senderId":"a","content":"x","isImage":false,"sentAt":"2026-03-01T12:00:00Z","read":false}]}}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatal(err)
	}
	ev, err := DecodeEvent(env)
	if err != nil {
		t.Fatal(err)
	}

	hist, ok := ev.(HistoryEvent)
	if !ok {
		t.Fatalf("expected HistoryEvent, got %T", ev)
	}
	if hist.ConversationID != "c1" || len(hist.Messages) != 1 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestDecodeDomainNotifications(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"express", `{"event":"express:new","data":{"orderId":"o-7"}}`, "o-7"},
		{"ticket", `{"event":"ticket:new","data":{"userId":"u-3"}}`, "u-3"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var env Envelope
			if err := json.Unmarshal([]byte(tc.raw), &env); err != nil {
				t.Fatal(err)
			}
			ev, err := DecodeEvent(env)
			if err != nil {
				t.Fatal(err)
			}
			switch e := ev.(type) {
			case ExpressOrderEvent:
				if e.OrderID != tc.want {
					t.Fatalf("expected order %q, got %q", tc.want, e.OrderID)
				}
			case TicketEvent:
				if e.UserID != tc.want {
					t.Fatalf("expected user %q, got %q", tc.want, e.UserID)
				}
			default:
				t.Fatalf("unexpected event type %T", ev)
			}
		})
	}
}

func TestDecodeRejectsUnknownEvent(t *testing.T) {
	_, err := DecodeEvent(Envelope{Event: "presence:changed", Data: []byte(`{}`)})
	if err == nil {
		t.Fatal("unknown events must be rejected, not merged")
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	_, err := DecodeEvent(Envelope{Event: EventUserTyping, Data: []byte(`"not an object"`)})
	if err == nil {
		t.Fatal("malformed payloads must be rejected")
	}
}
