package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"chainfeed.app/internal/protocol"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name      = flag.String("name", "bot", "username")
		every     = flag.Duration("every", 10*time.Second, "post interval")
		mineEvery = flag.Int("mine_every", 3, "request a mining pass after this many posts (0 never mines)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Username:        *name,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 8},
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	// Reader goroutine; gorilla allows one concurrent reader and one writer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			handle(logger, msg)
		}
	}()

	t := time.NewTicker(*every)
	defer t.Stop()
	posts := 0
	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case now := <-t.C:
			posts++
			req := protocol.RequestMsg{
				Type:            protocol.TypePost,
				ProtocolVersion: protocol.Version,
				ID:              fmt.Sprintf("P%d", posts),
				Content:         fmt.Sprintf("%s checking in at %s", *name, now.Format(time.Kitchen)),
			}
			if err := conn.WriteJSON(req); err != nil {
				logger.Printf("send POST: %v", err)
				return
			}
			if *mineEvery > 0 && posts%*mineEvery == 0 {
				mine := protocol.RequestMsg{Type: protocol.TypeMine, ProtocolVersion: protocol.Version, ID: fmt.Sprintf("M%d", posts)}
				if err := conn.WriteJSON(mine); err != nil {
					logger.Printf("send MINE: %v", err)
					return
				}
			}
		}
	}
}

func handle(logger *log.Logger, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeWelcome:
		var w protocol.WelcomeMsg
		if err := json.Unmarshal(msg, &w); err != nil {
			return
		}
		logger.Printf("WELCOME session=%s height=%d difficulty=%d", w.SessionID, w.Info.Height, w.Info.Difficulty)
	case protocol.TypeAck:
		var a protocol.AckMsg
		if err := json.Unmarshal(msg, &a); err != nil {
			return
		}
		if !a.Accepted {
			logger.Printf("rejected %s: %s %s", a.AckFor, a.Code, a.Message)
		}
	case protocol.TypeMined:
		var m protocol.MinedMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return
		}
		logger.Printf("mined %d blocks in %dms tail=%s", m.Blocks, m.DurationMS, m.TailHash)
	case protocol.TypeFeedUpdate:
		var u protocol.FeedUpdateMsg
		if err := json.Unmarshal(msg, &u); err != nil {
			return
		}
		logger.Printf("update kind=%s actor=%s height=%d pending=%d", u.Kind, u.Actor, u.Height, u.Pending)
	}
}
