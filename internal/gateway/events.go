package gateway

import (
	"encoding/json"
	"fmt"

	"supportgw/internal/chat"
)

// Wire event names. The contract is shared with the gateway server and must
// not drift: names and payload keys are part of the protocol.
const (
	// client -> server
	EventJoin           = "join"
	EventSupportMessage = "supportMessage"
	EventTyping         = "typing"

	// server -> client
	EventChatHistory       = "chatHistory"
	EventNewSupportMessage = "newSupportMessage"
	EventMessageRead       = "messageRead"
	EventUserTyping        = "userTyping"
	EventExpressNew        = "express:new"
	EventTicketNew         = "ticket:new"
)

// Envelope is the framing for every event in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// JoinPayload subscribes the connection to a conversation's event stream.
// ConversationID may be empty for the single-user widget surface, in which
// case the server keys the conversation by user id.
type JoinPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
	IsSupportChat  bool   `json:"isSupportChat"`
}

// SendPayload carries an outbound message.
type SendPayload struct {
	UserID          string `json:"userId"`
	ConversationID  string `json:"conversationId,omitempty"`
	ClientID        string `json:"clientId"`
	Content         string `json:"content"`
	IsSenderSupport bool   `json:"isSenderSupport"`
	IsImage         bool   `json:"isImage"`
}

// TypingPayload broadcasts composing state for one conversation.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadPayload is a read receipt relayed by the server.
type ReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ExpressOrderPayload is a domain notification about a new express order.
type ExpressOrderPayload struct {
	OrderID string `json:"orderId"`
}

// TicketPayload is a domain notification about a new support ticket.
type TicketPayload struct {
	UserID string `json:"userId"`
}

// Event is the decoded form of an inbound envelope: exactly one variant per
// wire event kind.
type Event interface {
	eventName() string
}

type HistoryEvent struct {
	ConversationID string
	Messages       []chat.Message
}

type MessageEvent struct {
	Message chat.Message
}

type ReadEvent ReadPayload

type TypingEvent TypingPayload

type ExpressOrderEvent ExpressOrderPayload

type TicketEvent TicketPayload

func (HistoryEvent) eventName() string      { return EventChatHistory }
func (MessageEvent) eventName() string      { return EventNewSupportMessage }
func (ReadEvent) eventName() string         { return EventMessageRead }
func (TypingEvent) eventName() string       { return EventUserTyping }
func (ExpressOrderEvent) eventName() string { return EventExpressNew }
func (TicketEvent) eventName() string       { return EventTicketNew }

// historyPayload is the wire shape of chatHistory. The server scopes every
// history frame to a single conversation.
type historyPayload struct {
	ConversationID string         `json:"conversationId"`
	Messages       []chat.Message `json:"messages"`
}

// DecodeEvent turns an inbound envelope into its typed variant. Unknown
// event names and malformed payloads are rejected rather than merged into
// state unvalidated.
func DecodeEvent(env Envelope) (Event, error) {
	switch env.Event {
	case EventChatHistory:
		var p historyPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", env.Event, err)
		}
		return HistoryEvent{ConversationID: p.ConversationID, Messages: p.Messages}, nil
	case EventNewSupportMessage:
		var m chat.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", env.Event, err)
		}
		return MessageEvent{Message: m}, nil
	case EventMessageRead:
		var p ReadPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", env.Event, err)
		}
		return ReadEvent(p), nil
	case EventUserTyping:
		var p TypingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", env.Event, err)
		}
		return TypingEvent(p), nil
	case EventExpressNew:
		var p ExpressOrderPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", env.Event, err)
		}
		return ExpressOrderEvent(p), nil
	case EventTicketNew:
		var p TicketPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("gateway: decode %s: %w", env.Event, err)
		}
		return TicketEvent(p), nil
	default:
		return nil, fmt.Errorf("gateway: unknown event %q", env.Event)
	}
}

// EncodeEnvelope frames an outbound payload.
func EncodeEnvelope(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gateway: encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}
