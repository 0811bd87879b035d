package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"shepherd/internal/domain"
)

const writeTimeout = 5 * time.Second

// session is one browser connection: the event-topic subscription feeding
// the outbound side, and the inbound loop routing client commands back onto
// the broker.
type session struct {
	srv       *Server
	ws        *websocket.Conn
	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Server) runSession(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost", "localhost:*",
			"127.0.0.1", "127.0.0.1:*",
			"[::1]", "[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	sess := &session{
		srv:    s,
		ws:     ws,
		sendCh: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	s.logger.Info("lens client connected", "remote", r.RemoteAddr)

	sub := s.bus.Subscribe(s.topics.Event)
	go sess.pumpBus(sub.C())
	go sess.writeLoop()

	// Inbound loop (blocking).
	sess.readLoop(r.Context())

	sess.closeOnce.Do(func() { close(sess.done) })
	s.bus.Cancel(sub)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("lens client disconnected", "remote", r.RemoteAddr)
}

// pumpBus wraps each bus payload as {topic: envelope} and queues it for the
// writer. The enqueue blocks while the session is backed up, which in turn
// applies backpressure to the bus publisher.
func (sess *session) pumpBus(payloads <-chan string) {
	topic := sess.srv.topics.Event
	for {
		select {
		case <-sess.done:
			return
		case payload := <-payloads:
			framed, err := json.Marshal(map[string]json.RawMessage{topic: json.RawMessage(payload)})
			if err != nil {
				sess.srv.logger.Error("frame encode failed", "topic", topic, "error", err)
				continue
			}
			sess.enqueue(framed)
		}
	}
}

func (sess *session) enqueue(payload []byte) {
	select {
	case <-sess.done:
	case sess.sendCh <- payload:
	}
}

func (sess *session) writeLoop() {
	for {
		select {
		case <-sess.done:
			return
		case payload := <-sess.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := sess.ws.Write(ctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				sess.closeOnce.Do(func() { close(sess.done) })
				return
			}
		}
	}
}

func (sess *session) readLoop(ctx context.Context) {
	for {
		select {
		case <-sess.done:
			return
		default:
		}

		_, data, err := sess.ws.Read(ctx)
		if err != nil {
			return // connection closed or failed
		}

		fields := make(map[string]any)
		if err := json.Unmarshal(data, &fields); err != nil {
			sess.srv.logger.Warn("unparseable client message", "error", err)
			continue
		}
		sess.handleClientMessage(ctx, domain.Envelope{Fields: fields})
	}
}

// handleClientMessage routes one inbound client command: initialization
// requests are answered from the last-message cache on this socket,
// DIVIDE_CELL goes to the cell topic, everything else to the shepherd.
func (sess *session) handleClientMessage(ctx context.Context, env domain.Envelope) {
	srv := sess.srv
	switch env.Event() {
	case domain.EventInitialize, domain.EventVisualizationInitialize:
		snapshot := srv.snapshot.LastMessages()
		reply := make(map[string]map[string]any, len(snapshot))
		for topic, last := range snapshot {
			reply[topic] = last.Fields
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			srv.logger.Error("snapshot encode failed", "error", err)
			return
		}
		sess.enqueue(payload)
	case domain.EventDivideCell:
		if err := srv.producer.Send(ctx, srv.topics.Cell, env); err != nil {
			srv.logger.Error("cell forward failed", "error", err)
		}
	default:
		if err := srv.producer.Send(ctx, srv.topics.Shepherd, env); err != nil {
			srv.logger.Error("shepherd forward failed", "event", string(env.Event()), "error", err)
		}
	}
}
