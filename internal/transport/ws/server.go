package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chainfeed.app/internal/ledger"
	"chainfeed.app/internal/protocol"
	"chainfeed.app/internal/session"
)

type Server struct {
	sess     *session.Session
	log      *log.Logger
	maxQueue int

	upgrader websocket.Upgrader

	// base outlives single connections so a mining pass started by a client that
	// disconnects still completes.
	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*client]struct{}
	nextID  atomic.Uint64
}

type client struct {
	id       string
	username string
	out      chan []byte
}

func NewServer(sess *session.Session, logger *log.Logger, maxQueue int) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if maxQueue <= 0 {
		maxQueue = 32
	}
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		sess:     sess,
		log:      logger,
		maxQueue: maxQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		base:    base,
		cancel:  cancel,
		clients: map[*client]struct{}{},
	}
}

// Close cancels mining passes started through this server.
func (s *Server) Close() { s.cancel() }

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Run pushes a FEED_UPDATE to every connected client after each published change.
// It returns when ctx is done.
func (s *Server) Run(ctx context.Context) {
	changes, unsubscribe := s.sess.Subscribe(64)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			s.broadcast(feedUpdate(c))
		}
	}
}

func feedUpdate(c session.Change) protocol.FeedUpdateMsg {
	return protocol.FeedUpdateMsg{
		Type:            protocol.TypeFeedUpdate,
		ProtocolVersion: protocol.Version,
		Kind:            string(c.Kind),
		Actor:           c.Actor,
		Height:          c.Ledger.Height(),
		Pending:         len(c.Ledger.Pending()),
		TailHash:        c.Ledger.TailHash(),
	}
}

func (s *Server) broadcast(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.out <- b:
		default:
			// Slow client; it can resync with FEED.
		}
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := s.handshake(conn)
		if c == nil {
			return
		}
		// Register before WELCOME so no change published after it is missed.
		s.mu.Lock()
		s.clients[c] = struct{}{}
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.clients, c)
			s.mu.Unlock()
			s.log.Printf("client %s disconnected", c.id)
		}()

		welcome := protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			SessionID:       c.id,
			Username:        c.username,
			Info:            protocol.Info(s.sess.Current(), s.sess.Mining()),
		}
		if err := writeJSON(conn, welcome); err != nil {
			return
		}
		s.log.Printf("client %s connected as %s", c.id, c.username)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.dispatch(ctx, c, msg)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, "bad HELLO")
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return nil
	}

	// An empty username falls back to the stored one.
	username := strings.TrimSpace(hello.Username)
	if username == "" {
		username = s.sess.Username()
	}
	if username == "" {
		closeWith(conn, "username required")
		return nil
	}
	if username != s.sess.Username() {
		if err := s.sess.SetUsername(context.Background(), username); err != nil {
			s.log.Printf("store username: %v", err)
		}
	}

	maxQ := hello.Capabilities.MaxQueue
	if maxQ <= 0 || maxQ > s.maxQueue {
		maxQ = s.maxQueue
	}
	return &client{
		id:       fmt.Sprintf("C%d", s.nextID.Add(1)),
		username: username,
		out:      make(chan []byte, maxQ),
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.reply(ctx, c, nack("", protocol.ErrProtoBadRequest, "invalid json"))
		return
	}
	if base.ProtocolVersion != protocol.Version {
		s.reply(ctx, c, nack(base.ID, protocol.ErrProtoBadRequest, "bad protocol_version"))
		return
	}
	var req protocol.RequestMsg
	if err := json.Unmarshal(msg, &req); err != nil {
		s.reply(ctx, c, nack(base.ID, protocol.ErrProtoBadRequest, err.Error()))
		return
	}

	switch req.Type {
	case protocol.TypePost:
		l, err := s.sess.AddPost(ctx, c.username, req.Content)
		s.reply(ctx, c, ackFor(req.ID, l, err))
	case protocol.TypeSend:
		l, err := s.sess.SendMessage(ctx, c.username, req.Recipient, req.Content)
		s.reply(ctx, c, ackFor(req.ID, l, err))
	case protocol.TypeMine:
		s.mine(ctx, c, req.ID)
	case protocol.TypeFeed:
		l := s.sess.Current()
		s.reply(ctx, c, protocol.FeedMsg{
			Type:            protocol.TypeFeed,
			ProtocolVersion: protocol.Version,
			ReplyTo:         req.ID,
			Posts:           protocol.PostViews(l.Posts()),
			Pending:         protocol.PostViews(l.Pending()),
			NewestFirst:     true,
			Height:          l.Height(),
			TailHash:        l.TailHash(),
		})
	case protocol.TypeConversation:
		with := strings.TrimSpace(req.With)
		if with == "" {
			s.reply(ctx, c, nack(req.ID, protocol.ErrBadRequest, "with is required"))
			return
		}
		s.reply(ctx, c, protocol.ConversationMsg{
			Type:            protocol.TypeConversation,
			ProtocolVersion: protocol.Version,
			ReplyTo:         req.ID,
			With:            with,
			Messages:        protocol.MessageViews(s.sess.Current().Conversation(c.username, with)),
		})
	case protocol.TypeContacts:
		users := s.sess.Current().MessagedUsers(c.username)
		if users == nil {
			users = []string{}
		}
		s.reply(ctx, c, protocol.ContactsMsg{
			Type:            protocol.TypeContacts,
			ProtocolVersion: protocol.Version,
			ReplyTo:         req.ID,
			Users:           users,
		})
	case protocol.TypeInfo:
		info := protocol.Info(s.sess.Current(), s.sess.Mining())
		info.ReplyTo = req.ID
		s.reply(ctx, c, info)
	default:
		s.reply(ctx, c, nack(req.ID, protocol.ErrUnknownType, "unknown type "+req.Type))
	}
}

// mine starts a pass in the background. The client gets MINING_STARTED right away and
// MINED (or a rejected ACK) when the pass ends.
func (s *Server) mine(ctx context.Context, c *client, reqID string) {
	before := s.sess.Current()
	res, err := s.sess.MineAsync(s.base, c.username)
	if err != nil {
		s.reply(ctx, c, nack(reqID, codeFor(err), err.Error()))
		return
	}
	s.reply(ctx, c, protocol.MiningStartedMsg{
		Type:            protocol.TypeMiningStarted,
		ProtocolVersion: protocol.Version,
		ReplyTo:         reqID,
		Miner:           c.username,
		Pending:         len(before.Pending()),
		Difficulty:      before.Difficulty(),
	})
	go func() {
		r := <-res
		if r.Err != nil {
			s.reply(ctx, c, nack(reqID, codeFor(r.Err), r.Err.Error()))
			return
		}
		s.reply(ctx, c, protocol.MinedMsg{
			Type:            protocol.TypeMined,
			ProtocolVersion: protocol.Version,
			ReplyTo:         reqID,
			Miner:           c.username,
			Blocks:          r.Report.Blocks,
			Attempts:        r.Report.Attempts,
			DurationMS:      r.Report.Duration.Milliseconds(),
			TailHash:        r.Report.TailHash,
		})
	}()
}

// reply queues v for the client, waiting for room unless the connection is gone.
func (s *Server) reply(ctx context.Context, c *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("marshal reply: %v", err)
		return
	}
	select {
	case c.out <- b:
	case <-ctx.Done():
	}
}

func ackFor(reqID string, l *ledger.Ledger, err error) protocol.AckMsg {
	if err != nil {
		return nack(reqID, codeFor(err), err.Error())
	}
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Accepted:        true,
		Height:          l.Height(),
	}
}

func nack(reqID, code, message string) protocol.AckMsg {
	return protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          reqID,
		Accepted:        false,
		Code:            code,
		Message:         message,
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return protocol.ErrBadRequest
	case errors.Is(err, session.ErrMiningInFlight):
		return protocol.ErrMiningBusy
	case errors.Is(err, ledger.ErrMiningExhausted):
		return protocol.ErrMiningExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrMiningCancelled
	case errors.Is(err, ledger.ErrMalformedLedger):
		return protocol.ErrMalformed
	default:
		return protocol.ErrInternal
	}
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
