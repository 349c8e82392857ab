package websocket

import (
	"encoding/json"
	"sync"
	"time"
)

// BalanceUpdate is pushed to a principal's sockets after a committed change.
type BalanceUpdate struct {
	CreditType    string    `json:"credit_type"`
	Balance       int64     `json:"balance"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
	}
}

func (h *Hub) Register(principalID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[principalID] == nil {
		h.clients[principalID] = make(map[*Client]struct{})
	}
	h.clients[principalID][client] = struct{}{}
}

func (h *Hub) Unregister(principalID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[principalID] == nil {
		return
	}
	delete(h.clients[principalID], client)
	if len(h.clients[principalID]) == 0 {
		delete(h.clients, principalID)
	}
}

// Connections returns how many sockets principalID has open.
func (h *Hub) Connections(principalID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[principalID])
}

// BroadcastBalance never blocks; slow clients miss updates.
func (h *Hub) BroadcastBalance(principalID string, update BalanceUpdate) {
	payload, err := json.Marshal(update)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[principalID] {
		select {
		case client.send <- payload:
		default:
		}
	}
}
