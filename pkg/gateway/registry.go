package gateway

import (
	"sync"
	"time"
)

// ClientRegistry tracks connected websocket clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
	}
}

func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ID] = client
}

func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, exists := r.clients[clientID]
	return client, exists
}

// GetAll returns every connected client.
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// ForUser returns the clients subscribed to userID.
func (r *ClientRegistry) ForUser(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var clients []*Client
	for _, client := range r.clients {
		if client.UserID == userID {
			clients = append(clients, client)
		}
	}
	return clients
}

func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GetConnectedClients returns a description of every client.
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:           client.ID,
			UserID:       client.UserID,
			ConnectedAt:  client.ConnectedAt,
			LastActivity: client.LastActivity,
			IPAddress:    client.IPAddress,
			Idle:         now.Sub(client.LastActivity) > 5*time.Minute,
		})
	}
	return infos
}

// UpdateActivity stamps the client's last activity time.
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, exists := r.clients[clientID]; exists {
		client.LastActivity = time.Now()
	}
}
