package gate

import "sync"

// Типы управляющих сообщений между шлюзом и страницами.
const (
	MsgReload        = "reload"
	MsgReregister    = "reregister"
	MsgUpdateMode    = "update-mode"
	MsgForceActivate = "force-activate"
	MsgActiveTab     = "active-tab"
	MsgEndpointUsage = "endpoint-usage"
	MsgClearCache    = "clear-cache"
)

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Hub — рассылка управляющих сообщений всем подписанным страницам.
// Медленный подписчик сообщение теряет: Publish не блокируется.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Message]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Message]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Message {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Message, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Message) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
