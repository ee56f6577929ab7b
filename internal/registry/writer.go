package registry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	writeDeadline = 5 * time.Second
	pingInterval  = 30 * time.Second
	pongDeadline  = 60 * time.Second
)

// WireWriter pumps outbound frames to one websocket connection from a capped
// buffer. A full buffer makes TrySend report false, which triggers forced
// disconnection of that consumer instead of backpressure on the broadcaster.
type WireWriter struct {
	connection  *websocket.Conn
	clock       clockwork.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewWireWriter starts the writer goroutine. bufferSize caps the outbound
// queue per connection.
func NewWireWriter(connection *websocket.Conn, clock clockwork.Clock, bufferSize int) *WireWriter {
	w := &WireWriter{
		connection:  connection,
		clock:       clock,
		sendChannel: make(chan []byte, bufferSize),
		doneChannel: make(chan struct{}),
	}
	w.configurePongHandler()
	w.wg.Add(1)
	go w.run()
	return w
}

// TrySend implements Sink. Never blocks.
func (w *WireWriter) TrySend(data []byte) bool {
	select {
	case w.sendChannel <- data:
		return true
	default:
		return false
	}
}

// Close implements Sink. Sends a close frame with the reason, then closes the
// underlying connection. Safe to call more than once.
func (w *WireWriter) Close(reason string) {
	w.stopOnce.Do(func() {
		close(w.doneChannel)
		w.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		w.updateWriteDeadline()
		_ = w.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = w.connection.Close()
	})
}

func (w *WireWriter) run() {
	ticker := w.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer w.wg.Done()

	for {
		select {
		case msg, ok := <-w.sendChannel:
			if !ok {
				return
			}
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.Chan():
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.doneChannel:
			return
		}
	}
}

func (w *WireWriter) configurePongHandler() {
	w.updateReadDeadline()
	w.connection.SetPongHandler(func(string) error {
		w.updateReadDeadline()
		return nil
	})
}

func (w *WireWriter) updateWriteDeadline() {
	_ = w.connection.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}

func (w *WireWriter) updateReadDeadline() {
	_ = w.connection.SetReadDeadline(w.clock.Now().Add(pongDeadline))
}
