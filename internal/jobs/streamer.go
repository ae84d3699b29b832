package jobs

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds every write to a subscriber.
const writeWait = 5 * time.Second

// EventStreamer fans job events out to websocket subscribers. Writes happen
// outside the lock, so a slow subscriber of one job never holds up another
// job's events.
type EventStreamer struct {
	mu          sync.Mutex
	subscribers map[int64][]*websocket.Conn
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[int64][]*websocket.Conn),
	}
}

func (es *EventStreamer) Subscribe(jobID int64, conn *websocket.Conn) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.subscribers[jobID] = append(es.subscribers[jobID], conn)
}

func (es *EventStreamer) Unsubscribe(jobID int64, conn *websocket.Conn) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.remove(jobID, conn)
}

func (es *EventStreamer) remove(jobID int64, conn *websocket.Conn) {
	subscribers := slices.DeleteFunc(es.subscribers[jobID], func(s *websocket.Conn) bool { return s == conn })
	if len(subscribers) == 0 {
		delete(es.subscribers, jobID)
		return
	}
	es.subscribers[jobID] = subscribers
}

func (es *EventStreamer) snapshot(jobID int64) []*websocket.Conn {
	es.mu.Lock()
	defer es.mu.Unlock()
	return slices.Clone(es.subscribers[jobID])
}

// Broadcast writes message to every subscriber of jobID. Connections that
// fail a write, including by missing the write deadline, are dropped. Events
// of one job are broadcast from that job's goroutine only.
func (es *EventStreamer) Broadcast(jobID int64, message []byte) {
	for _, conn := range es.snapshot(jobID) {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			slog.Debug("dropping event subscriber", "job_id", jobID, "error", err)
			conn.Close()
			es.Unsubscribe(jobID, conn)
		}
	}
}

// Close sends a close frame to and drops every subscriber of jobID.
func (es *EventStreamer) Close(jobID int64) {
	es.mu.Lock()
	subscribers := es.subscribers[jobID]
	delete(es.subscribers, jobID)
	es.mu.Unlock()

	for _, conn := range subscribers {
		closeStream(conn)
	}
}

// closeStream sends a normal close frame and closes conn. It is safe to call
// concurrently with writes on conn.
func closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	conn.Close()
}

// CloseSubscriber drops conn and closes it with a normal close frame.
func (es *EventStreamer) CloseSubscriber(jobID int64, conn *websocket.Conn) {
	es.Unsubscribe(jobID, conn)
	closeStream(conn)
}
