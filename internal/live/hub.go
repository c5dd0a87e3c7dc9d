package live

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/demopilot/demopilot/pkg/logging"
)

// ToolCallEvent is the message pushed to subscribers when a tool
// invocation is extracted from a webhook.
type ToolCallEvent struct {
	ConversationID string         `json:"conversation_id"`
	Tool           string         `json:"tool"`
	Args           map[string]any `json:"args,omitempty"`
	Timestamp      string         `json:"timestamp"`
}

// Hub fans out normalized tool calls to websocket subscribers keyed by
// conversation id. Sends are lossy: a slow subscriber drops events
// rather than stalling webhook processing.
type Hub struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{} // conversationID -> connections
}

type subscriber struct {
	send chan ToolCallEvent
}

const subscriberBuffer = 16

func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Broadcast delivers an event to every subscriber of its conversation.
// Subscribers whose buffers are full miss the event.
func (h *Hub) Broadcast(ev ToolCallEvent) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.ConversationID] {
		select {
		case sub.send <- ev:
		default:
		}
	}
}

// SubscriberCount reports active subscribers for a conversation.
func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[conversationID])
}

// HandleToolCalls upgrades the connection and streams tool-call events
// for the conversation named in the query string.
func (h *Hub) HandleToolCalls(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation")
	if conversationID == "" {
		http.Error(w, `{"error":"missing conversation parameter"}`, http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("live: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := &subscriber{send: make(chan ToolCallEvent, subscriberBuffer)}
	h.add(conversationID, sub)
	defer h.remove(conversationID, sub)

	// Reader goroutine: the client never sends us data, but reading
	// is how we learn about close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-sub.send:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Hub) add(conversationID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[conversationID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		h.subs[conversationID] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) remove(conversationID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[conversationID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, conversationID)
	}
}
