package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// subscribeChunk bounds how many channels ride in one control frame.
const subscribeChunk = 50

// clientFrame is a control message sent to the feed.
type clientFrame struct {
	Action string `json:"action"`
	Params string `json:"params"`
}

// Message is one upstream event, discriminated by Ev.
type Message struct {
	Ev         string  `json:"ev"`
	Sym        string  `json:"sym"`
	Price      float64 `json:"p"`
	Size       float64 `json:"s"`
	Exchange   int     `json:"x"`
	Conditions []int64 `json:"c"`
	Timestamp  int64   `json:"t"`
	Sequence   int64   `json:"q"`

	BidPrice float64 `json:"bp"`
	AskPrice float64 `json:"ap"`
	BidSize  float64 `json:"bs"`
	AskSize  float64 `json:"as"`

	Status  string `json:"status"`
	Message string `json:"message"`
}

// Session is one WebSocket connection of the farm. Frame writes are
// serialized; frame reads belong to the session's single reader task.
type Session struct {
	id     int
	url    string
	apiKey string

	conn    *websocket.Conn
	writeMu sync.Mutex

	subsMu        sync.Mutex
	subscriptions map[string]struct{}

	connected atomic.Bool
	alive     atomic.Bool // false once the reconnect budget is spent
	statusOK  atomic.Bool
}

func newSession(id int, url, apiKey string) *Session {
	s := &Session{
		id:            id,
		url:           url,
		apiKey:        apiKey,
		subscriptions: make(map[string]struct{}),
	}
	s.alive.Store(true)
	return s
}

// connect dials the feed and sends the auth frame. The caller decides
// when the session counts as authenticated (grace interval / status).
func (s *Session) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("session %d: failed to connect to %s: %w", s.id, s.url, err)
	}

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	s.connected.Store(true)
	s.statusOK.Store(false)

	if err := s.writeFrame("auth", s.apiKey); err != nil {
		return fmt.Errorf("session %d: auth frame failed: %w", s.id, err)
	}
	log.Printf("✅ Session %d connected to %s", s.id, s.url)
	return nil
}

// waitAuthenticated blocks until the session counts as authenticated:
// the later of the grace interval and the positive status frame. A
// status frame observed early never shortens the grace; a feed that
// never echoes one is accepted once statusTimeout lapses. A rejected
// auth surfaces as an error.
func (s *Session) waitAuthenticated(ctx context.Context, grace, statusTimeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(grace):
	}

	remaining := statusTimeout - grace
	if remaining < 0 {
		remaining = 0
	}
	deadline := time.After(remaining)
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for !s.statusOK.Load() {
		if !s.alive.Load() {
			return fmt.Errorf("session %d: authentication rejected", s.id)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			log.Printf("⚠️  Session %d saw no status frame, accepting after grace", s.id)
			return nil
		case <-poll.C:
		}
	}
	return nil
}

// writeFrame sends one control frame thread-safely.
func (s *Session) writeFrame(action, params string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("session %d: connection is nil", s.id)
	}
	return s.conn.WriteJSON(clientFrame{Action: action, Params: params})
}

// subscribe adds channels, chunking control frames, and records them in
// the subscription table.
func (s *Session) subscribe(channels []string) error {
	if err := s.sendChanneled("subscribe", channels); err != nil {
		return err
	}
	s.subsMu.Lock()
	for _, ch := range channels {
		s.subscriptions[ch] = struct{}{}
	}
	s.subsMu.Unlock()
	return nil
}

// unsubscribe removes channels.
func (s *Session) unsubscribe(channels []string) error {
	if err := s.sendChanneled("unsubscribe", channels); err != nil {
		return err
	}
	s.subsMu.Lock()
	for _, ch := range channels {
		delete(s.subscriptions, ch)
	}
	s.subsMu.Unlock()
	return nil
}

func (s *Session) sendChanneled(action string, channels []string) error {
	for start := 0; start < len(channels); start += subscribeChunk {
		end := start + subscribeChunk
		if end > len(channels) {
			end = len(channels)
		}
		if err := s.writeFrame(action, strings.Join(channels[start:end], ",")); err != nil {
			return fmt.Errorf("session %d: %s failed: %w", s.id, action, err)
		}
	}
	return nil
}

// snapshotSubscriptions returns the current channel set, sorted.
func (s *Session) snapshotSubscriptions() []string {
	s.subsMu.Lock()
	out := make([]string, 0, len(s.subscriptions))
	for ch := range s.subscriptions {
		out = append(out, ch)
	}
	s.subsMu.Unlock()
	sort.Strings(out)
	return out
}

// subscriptionCount returns the size of the subscription table.
func (s *Session) subscriptionCount() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subscriptions)
}

// readMessages reads one frame and decodes its event array. Single
// events arrive as a bare object on some feeds, so that shape is
// accepted too.
func (s *Session) readMessages() ([]Message, error) {
	s.writeMu.Lock()
	conn := s.conn
	s.writeMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("session %d: connection is nil", s.id)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		var single Message
		if err2 := json.Unmarshal(data, &single); err2 != nil {
			return nil, fmt.Errorf("session %d: failed to unmarshal frame: %w", s.id, err)
		}
		messages = []Message{single}
	}
	return messages, nil
}

// close tears the connection down. The session stays restorable.
func (s *Session) close() error {
	s.connected.Store(false)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}
