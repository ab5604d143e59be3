package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"securechat/metrics"
	"securechat/models"
)

// Hub tracks the live connections of each user and fans events out to them.
type Hub struct {
	clients    map[string]*Client
	userConns  map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

type Message struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type ClientMessage struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversation_id,omitempty"`
	Body           string `json:"body,omitempty"`
}

// MessageEvent is the payload of a new_message push.
type MessageEvent struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	SenderName     string    `json:"sender_name"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		userConns:  make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Register hands client to the run loop. It reports false once the hub
// has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Run serves registrations until ctx is done, then releases every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			if h.userConns[client.UserID] == nil {
				h.userConns[client.UserID] = make(map[*Client]bool)
			}
			h.userConns[client.UserID][client] = true
			h.mu.Unlock()
			metrics.WsConnections.Inc()
			log.Debug().Str("user_id", client.UserID).Str("client_id", client.ID).Msg("websocket connected")

		case client := <-h.unregister:
			h.remove(client)

		case <-ctx.Done():
			// Send channels stay open: each client's WritePump ends on h.done
			// while its ReadPump may still reply.
			h.mu.Lock()
			for range h.clients {
				metrics.WsConnections.Dec()
			}
			h.clients = make(map[string]*Client)
			h.userConns = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	if h.userConns[client.UserID] != nil {
		delete(h.userConns[client.UserID], client)
		if len(h.userConns[client.UserID]) == 0 {
			delete(h.userConns, client.UserID)
		}
	}
	close(client.Send)
	metrics.WsConnections.Dec()
	log.Debug().Str("user_id", client.UserID).Str("client_id", client.ID).Msg("websocket disconnected")
}

// SendToUsers queues msg on every connection of the given users. Slow
// connections whose buffer is full miss the event.
func (h *Hub) SendToUsers(userIDs []string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range userIDs {
		for client := range h.userConns[userID] {
			select {
			case client.Send <- data:
			default:
				log.Warn().Str("client_id", client.ID).Msg("push dropped, send buffer full")
			}
		}
	}
}

func (h *Hub) IsOnline(userID string) bool {
	return h.connections(userID) > 0
}

func (h *Hub) connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConns[userID])
}

// MessagePosted pushes a committed message to the online members.
func (h *Hub) MessagePosted(recipients []string, msg *models.Message) {
	h.SendToUsers(recipients, &Message{
		Event: "new_message",
		Data: MessageEvent{
			ID:             msg.ID,
			ConversationID: msg.ConversationID,
			Seq:            msg.Seq,
			SenderID:       msg.SenderID,
			SenderName:     msg.SenderName,
			Body:           msg.Body,
			CreatedAt:      msg.CreatedAt,
		},
	})
}
