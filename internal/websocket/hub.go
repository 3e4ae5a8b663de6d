package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/acc-tracker/internal/domain"
)

// Message types
const (
	MessageTypeLeaderboardUpdate = "leaderboard_update"
	MessageTypeLapAccepted       = "lap_accepted"
	MessageTypeSubscribe         = "subscribe"
	MessageTypeUnsubscribe       = "unsubscribe"
	MessageTypeSubscribed        = "subscribed"
	MessageTypeUnsubscribed      = "unsubscribed"
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeError             = "error"
)

// Message is the envelope of every frame sent to clients
type Message struct {
	Type      string    `json:"type"`
	TrackID   string    `json:"trackId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LeaderboardUpdate carries the current top of a track's leaderboard
type LeaderboardUpdate struct {
	TrackID string                    `json:"trackId"`
	Entries []domain.LeaderboardEntry `json:"entries"`
}

// LapAccepted announces a newly saved or improved personal best
type LapAccepted struct {
	Message   string         `json:"message"`
	Lap       domain.LapTime `json:"lap"`
	Formatted string         `json:"formatted"`
}

// BoardSource builds the current top of a track's leaderboard
type BoardSource interface {
	Board(ctx context.Context, trackID string) ([]domain.LeaderboardEntry, error)
}

// Hub fans out track updates to subscribed WebSocket clients
type Hub struct {
	// subscribed clients by track ID
	clients map[string]map[*Client]bool

	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu     sync.RWMutex
	boards BoardSource
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client  *Client
	trackID string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for trackID, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, trackID)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if !h.allClients[req.client] {
				h.mu.Unlock()
				continue
			}
			if _, ok := h.clients[req.trackID]; !ok {
				h.clients[req.trackID] = make(map[*Client]bool)
			}
			h.clients[req.trackID][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "track_id", req.trackID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.trackID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.trackID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "track_id", req.trackID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to the clients subscribed to its track,
// or to everyone when it has no track
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	targets := h.allClients
	if message.TrackID != "" {
		targets = h.clients[message.TrackID]
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

func (h *Hub) enqueue(message *Message) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "type", message.Type)
	}
}

// SetBoardSource lets new subscribers receive the current board of a track
// right after subscribing
func (h *Hub) SetBoardSource(source BoardSource) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.boards = source
}

// snapshot sends the current board of a track to one client
func (h *Hub) snapshot(client *Client, trackID string) {
	h.mu.RLock()
	source := h.boards
	h.mu.RUnlock()
	if source == nil {
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	entries, err := source.Board(ctx, trackID)
	if err != nil {
		h.logger.Warn("failed to build leaderboard snapshot", "client_id", client.id, "track_id", trackID, "error", err)
		return
	}
	client.queue(leaderboardMessage(trackID, entries))
}

func leaderboardMessage(trackID string, entries []domain.LeaderboardEntry) Message {
	return Message{
		Type:    MessageTypeLeaderboardUpdate,
		TrackID: trackID,
		Data: LeaderboardUpdate{
			TrackID: trackID,
			Entries: entries,
		},
		Timestamp: time.Now(),
	}
}

// BroadcastLeaderboardUpdate sends the top of a track's leaderboard to its subscribers
func (h *Hub) BroadcastLeaderboardUpdate(trackID string, entries []domain.LeaderboardEntry) {
	msg := leaderboardMessage(trackID, entries)
	h.enqueue(&msg)
}

// BroadcastLapAccepted announces an accepted submission on the lap's track
func (h *Hub) BroadcastLapAccepted(result domain.SubmitResult) {
	if result.Lap == nil {
		return
	}
	h.enqueue(&Message{
		Type:    MessageTypeLapAccepted,
		TrackID: result.Lap.TrackID,
		Data: LapAccepted{
			Message:   result.Message,
			Lap:       *result.Lap,
			Formatted: result.Lap.Formatted(),
		},
		Timestamp: time.Now(),
	})
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a track subscription
func (h *Hub) Subscribe(client *Client, trackID string) {
	h.subscribe <- &subscriptionRequest{client: client, trackID: trackID}
}

// Unsubscribe removes a client from a track subscription
func (h *Hub) Unsubscribe(client *Client, trackID string) {
	h.unsubscribe <- &subscriptionRequest{client: client, trackID: trackID}
}

// GetSubscriberCount returns the number of subscribers for a track
func (h *Hub) GetSubscriberCount(trackID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[trackID])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
