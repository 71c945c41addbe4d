package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ridernav/internal/events"
)

// Monitor socket: connection_init/ack, ping/pong, then subscribe messages
// carrying {"ledgerId": "..."}. An empty ledgerId follows every ledger.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type monitorPayload struct {
	LedgerID string   `json:"ledgerId"`
	Types    []string `json:"types,omitempty"`
}

func (p monitorPayload) wants(e events.Event) bool {
	if len(p.Types) == 0 {
		return true
	}
	for _, t := range p.Types {
		if t == string(e.Type) {
			return true
		}
	}
	return false
}

// MonitorWSHandler handles /v1/ws
func (s *Server) MonitorWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		topic string
		ch    chan events.Event
	}
	subs := map[string]sub{}
	done := make(chan struct{})
	defer close(done)

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })

	var mu sync.Mutex
	write := func(v wsMessage) error {
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			if msg.ID == "" {
				_ = write(wsMessage{Type: "error", Payload: json.RawMessage(`{"message":"id required"}`)})
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: json.RawMessage(`{"message":"id already in use"}`)})
				continue
			}
			var pl monitorPayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &pl); err != nil {
					_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: json.RawMessage(`{"message":"invalid payload"}`)})
					continue
				}
			}
			topic := pl.LedgerID
			if topic == "" {
				topic = AllLedgers
			}
			ch := s.Broker.Subscribe(topic)
			subs[msg.ID] = sub{topic: topic, ch: ch}
			go func(id string, c chan events.Event, pl monitorPayload) {
				for evt := range c {
					if !pl.wants(evt) {
						continue
					}
					payload, err := json.Marshal(evt)
					if err != nil {
						continue
					}
					if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						s.Log.Debug("monitor write failed", zap.String("sub", id), zap.Error(err))
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch, pl)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(s0.topic, s0.ch)
				delete(subs, msg.ID)
			}
		default:
			_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: json.RawMessage(`{"message":"unknown message type"}`)})
		}
	}
	for _, s0 := range subs {
		s.Broker.Unsubscribe(s0.topic, s0.ch)
	}
}
