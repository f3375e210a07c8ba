package gateway

import (
	"sync"
	"time"
)

// dispatcher fans decoded events out to registered handlers. Handlers run
// synchronously on the read goroutine, so within one connection events are
// observed strictly in transport order. Detach removes every handler;
// nothing registered before Detach fires afterwards.
type dispatcher struct {
	mu             sync.RWMutex
	detached       bool
	onHistory      []func(HistoryEvent)
	onMessage      []func(MessageEvent)
	onRead         []func(ReadEvent)
	onTyping       []func(TypingEvent)
	onExpressOrder []func(ExpressOrderEvent)
	onTicket       []func(TicketEvent)
	onConnected    []func()
	onDisconnected []func(err error)
	onReconnecting []func(attempt int, delay time.Duration)
}

func (d *dispatcher) dispatch(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch e := ev.(type) {
	case HistoryEvent:
		for _, h := range d.onHistory {
			h(e)
		}
	case MessageEvent:
		for _, h := range d.onMessage {
			h(e)
		}
	case ReadEvent:
		for _, h := range d.onRead {
			h(e)
		}
	case TypingEvent:
		for _, h := range d.onTyping {
			h(e)
		}
	case ExpressOrderEvent:
		for _, h := range d.onExpressOrder {
			h(e)
		}
	case TicketEvent:
		for _, h := range d.onTicket {
			h(e)
		}
	}
}

func (d *dispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *dispatcher) emitDisconnected(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(err)
	}
}

func (d *dispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *dispatcher) detach() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.detached = true
	d.onHistory = nil
	d.onMessage = nil
	d.onRead = nil
	d.onTyping = nil
	d.onExpressOrder = nil
	d.onTicket = nil
	d.onConnected = nil
	d.onDisconnected = nil
	d.onReconnecting = nil
}
