package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"supportgw/internal/chat"
	"supportgw/internal/config"
	"supportgw/internal/gateway"
	"supportgw/internal/gatewaytest"
	"supportgw/internal/logger"
)

func main() {
	local := flag.Bool("local", false, "run an in-process gateway and connect to it")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Setup(cfg.Env)

	var gw *gatewaytest.Server
	if *local {
		gw = gatewaytest.NewServer(gatewaytest.WithLogger(log))
		srv := &http.Server{Addr: "localhost:8080", Handler: gw.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("local gateway failed", "error", err)
				os.Exit(1)
			}
		}()
		defer srv.Close()
		cfg.GatewayURL = "ws://localhost:8080/socket"
		if cfg.Session.Token == "" {
			cfg.Session.Token = "local-dev"
		}
		if cfg.Session.UserID == "" {
			cfg.Session.UserID = "local-user"
		}
		log.Info("local gateway listening", "addr", srv.Addr)
	}

	if err := run(cfg, log, gw); err != nil {
		log.Error("chatcli failed", "error", err)
		os.Exit(1)
	}
}

// app wires the gateway client, reducer and typing machinery behind the
// interactive loop. local is non-nil only in -local mode, where the embedded
// gateway stands in for operations the REST backend owns in production.
type app struct {
	cfg        config.Config
	log        *slog.Logger
	out        io.Writer
	local      *gatewaytest.Server
	client     *gateway.Client
	store      *chat.Store
	unread     *chat.UnreadCounter
	indicators *chat.TypingIndicators
	typing     *chat.TypingEmitter
	current    string
}

func newApp(cfg config.Config, log *slog.Logger, local *gatewaytest.Server, out io.Writer) (*app, error) {
	client, err := gateway.NewClient(gateway.Config{
		URL:         cfg.GatewayURL,
		Session:     cfg.Session,
		SupportView: cfg.Session.IsSupport(),
		Reconnect:   cfg.Reconnect,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		log:     log,
		out:     out,
		local:   local,
		client:  client,
		store:   chat.NewStore(cfg.Session.UserID),
		unread:  chat.NewUnreadCounter(),
		current: cfg.Session.UserID,
	}
	if len(cfg.Conversations) > 0 {
		a.current = cfg.Conversations[0]
	}
	a.indicators = chat.NewTypingIndicators(cfg.TypingTTL, func(convID, userID string) {
		log.Info("typing expired", "conversation_id", convID, "user_id", userID)
	})
	a.typing = chat.NewTypingEmitter(func(convID string, isTyping bool) {
		if err := client.Typing(convID, isTyping); err != nil {
			log.Warn("typing signal dropped", "error", err)
		}
	})

	client.BindStore(a.store, a.unread, a.indicators)
	client.OnMessage(func(e gateway.MessageEvent) {
		fmt.Fprintf(a.out, "[%s] %s: %s\n", e.Message.ConversationID, e.Message.SenderID, e.Message.Content)
		if n := a.unread.Count(); n > 0 {
			fmt.Fprintf(a.out, "  (unread: %d)\n", n)
		}
	})
	client.OnTyping(func(e gateway.TypingEvent) {
		if e.IsTyping && e.UserID != cfg.Session.UserID {
			fmt.Fprintf(a.out, "[%s] %s is typing...\n", e.ConversationID, e.UserID)
		}
	})
	client.OnDisconnected(func(err error) {
		log.Warn("disconnected", "error", err)
	})
	return a, nil
}

// start connects and runs the join protocol for the widget channel plus any
// configured conversations.
func (a *app) start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.client.Connect(ctx); err != nil {
		return err
	}

	if err := a.client.Join(""); err != nil {
		return err
	}
	for _, id := range a.cfg.Conversations {
		if err := a.client.Join(id); err != nil {
			a.log.Warn("join failed", "conversation_id", id, "error", err)
		}
	}
	return nil
}

func (a *app) close() {
	a.indicators.Close()
	a.client.Close()
}

// handleLine executes one command or sends one message. It returns false
// when the loop should exit.
func (a *app) handleLine(line string) bool {
	switch {
	case line == "":
	case line == "/quit":
		return false
	case line == "/open":
		a.unread.Open()
		fmt.Fprintln(a.out, "widget open, unread reset")
	case line == "/close":
		a.unread.Close()
		fmt.Fprintln(a.out, "widget closed")
	case line == "/list":
		for _, c := range a.store.Conversations() {
			fmt.Fprintf(a.out, "%s  last=%q read=%v\n", c.ID, c.LastMessage, c.LastMessageRead)
		}
	case strings.HasPrefix(line, "/read "):
		a.markRead(strings.TrimSpace(strings.TrimPrefix(line, "/read ")))
	case strings.HasPrefix(line, "/join "):
		id := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
		if err := a.client.Join(id); err != nil {
			a.log.Warn("join failed", "conversation_id", id, "error", err)
			return true
		}
		a.current = id
	case strings.HasPrefix(line, "/use "):
		a.current = strings.TrimSpace(strings.TrimPrefix(line, "/use "))
	default:
		a.typing.InputChanged(a.current, line)
		msg, err := a.client.SendMessage(a.current, line, false)
		if err != nil {
			a.log.Warn("send dropped", "error", err)
			return true
		}
		a.store.AppendLocal(msg)
		a.typing.MessageSent(a.current)
	}
	return true
}

// markRead clears the local badge and relays the receipt to the room. In
// production the receipt is issued by the REST backend when the conversation
// view fetches its messages; the embedded gateway relays it directly.
func (a *app) markRead(conversationID string) {
	a.unread.Reset()
	if a.local != nil {
		a.local.EmitRead(conversationID, a.cfg.Session.UserID)
	} else {
		a.log.Info("read receipt is issued by the backend on fetch", "conversation_id", conversationID)
	}
	fmt.Fprintf(a.out, "%s marked read\n", conversationID)
}

func run(cfg config.Config, log *slog.Logger, local *gatewaytest.Server) error {
	a, err := newApp(cfg, log, local, os.Stdout)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(); err != nil {
		return err
	}

	fmt.Println("commands: /use <conv>, /join <conv>, /read <conv>, /open, /close, /list, /quit; anything else sends")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if !a.handleLine(strings.TrimSpace(scanner.Text())) {
			return nil
		}
	}
	return scanner.Err()
}
