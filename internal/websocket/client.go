package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/acc-tracker/internal/catalog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// frames from browsers are small subscribe/ping requests
	maxFrameBytes = 4096

	// MaxTracks is how many leaderboards one connection may watch
	MaxTracks = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage is a frame received from a client. Subscribe and
// unsubscribe take a single trackId, a trackIds list, or both; an
// unsubscribe naming no track drops every subscription.
type ClientMessage struct {
	Type     string   `json:"type"`
	TrackID  string   `json:"trackId,omitempty"`
	TrackIDs []string `json:"trackIds,omitempty"`
}

func (m ClientMessage) tracks() []string {
	return lo.Uniq(lo.Compact(append([]string{m.TrackID}, m.TrackIDs...)))
}

// Subscriptions is the payload of subscribed, unsubscribed and pong frames
type Subscriptions struct {
	Tracks []string `json:"tracks"`
}

// Client is one browser watching the leaderboards of up to MaxTracks tracks
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger

	// owned by the listen goroutine
	tracks  map[string]struct{}
	initial []string
}

// NewClient creates a client that subscribes to initial once it starts
// listening
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger, initial ...string) *Client {
	return &Client{
		id:      uuid.New().String(),
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		logger:  logger,
		tracks:  make(map[string]struct{}),
		initial: initial,
	}
}

// listen handles subscription frames until the connection drops, then
// releases every track the client watched
func (c *Client) listen() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if len(c.initial) > 0 {
		c.subscribe(c.initial)
	}

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket closed unexpectedly", "client_id", c.id, "tracks", len(c.tracks), "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			c.sendError("invalid message format")
			continue
		}

		switch msg.Type {
		case MessageTypeSubscribe:
			c.subscribe(msg.tracks())
		case MessageTypeUnsubscribe:
			c.unsubscribe(msg.tracks())
		case MessageTypePing:
			c.queue(Message{Type: MessageTypePong, Data: c.subscriptions(), Timestamp: time.Now()})
		default:
			c.sendError("unknown message type " + msg.Type)
		}
	}
}

// subscribe adds catalog tracks to the client's watch list and sends the
// current board of each newly watched track
func (c *Client) subscribe(trackIDs []string) {
	if len(trackIDs) == 0 {
		c.sendError("trackId required for subscribe")
		return
	}
	if unknown := lo.Reject(trackIDs, func(id string, _ int) bool { return catalog.IsTrack(id) }); len(unknown) > 0 {
		c.sendError("unknown track " + strings.Join(unknown, ", "))
		return
	}

	added := lo.Filter(trackIDs, func(id string, _ int) bool {
		_, watching := c.tracks[id]
		return !watching
	})
	if len(c.tracks)+len(added) > MaxTracks {
		c.sendError(fmt.Sprintf("a connection can watch at most %d tracks", MaxTracks))
		return
	}

	for _, trackID := range added {
		c.tracks[trackID] = struct{}{}
		c.hub.Subscribe(c, trackID)
	}
	c.sendAck(MessageTypeSubscribed, trackIDs)

	for _, trackID := range added {
		c.hub.snapshot(c, trackID)
	}
}

func (c *Client) unsubscribe(trackIDs []string) {
	if len(trackIDs) == 0 {
		trackIDs = lo.Keys(c.tracks)
	}
	for _, trackID := range trackIDs {
		if _, watching := c.tracks[trackID]; !watching {
			continue
		}
		delete(c.tracks, trackID)
		c.hub.Unsubscribe(c, trackID)
	}
	c.sendAck(MessageTypeUnsubscribed, trackIDs)
}

func (c *Client) subscriptions() Subscriptions {
	tracks := lo.Keys(c.tracks)
	slices.Sort(tracks)
	return Subscriptions{Tracks: tracks}
}

// sendAck confirms a change; TrackID is set when the request named one track
func (c *Client) sendAck(action string, requested []string) {
	msg := Message{Type: action, Data: c.subscriptions(), Timestamp: time.Now()}
	if len(requested) == 1 {
		msg.TrackID = requested[0]
	}
	c.queue(msg)
}

func (c *Client) sendError(text string) {
	c.queue(Message{
		Type:      MessageTypeError,
		Data:      map[string]string{"error": text},
		Timestamp: time.Now(),
	})
}

// queue drops the frame when the client is not keeping up
func (c *Client) queue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal frame", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client buffer full, dropping frame", "client_id", c.id, "type", msg.Type)
	}
}

// deliver writes queued frames and keeps the connection alive with pings.
// It returns once the hub closes the send channel or a write fails.
func (c *Client) deliver() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case frame, open := <-c.send:
			if !open {
				write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and attaches the connection to the hub. Each
// ?track= query value is subscribed to on connect.
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger, r.URL.Query()["track"]...)
	hub.Register(client)

	go client.deliver()
	go client.listen()

	logger.Debug("new websocket connection", "client_id", client.id, "tracks", client.initial)
}
