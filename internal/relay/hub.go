// Package relay rebroadcasts driver updates between connected clients and
// keeps an in-memory snapshot of the last known vehicle positions.
package relay

import (
	"sort"
	"sync"
	"time"

	"fleet-tracker/internal/models"
	"fleet-tracker/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WelcomeMessage is sent to every client on join
const WelcomeMessage = "Connected to server"

// Config holds relay connection settings
type Config struct {
	HeartbeatInterval time.Duration
	WriteWait         time.Duration
}

// Hub manages connected clients and broadcasts
type Hub struct {
	cfg Config
	now func() time.Time

	clientsMu sync.Mutex
	clients   map[*Client]struct{}
	closed    bool

	vehiclesMu sync.RWMutex
	vehicles   map[string]models.Vehicle
}

// NewHub creates a hub
func NewHub(cfg Config) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Hub{
		cfg:      cfg,
		now:      time.Now,
		clients:  make(map[*Client]struct{}),
		vehicles: make(map[string]models.Vehicle),
	}
}

// AddClient registers conn, greets it and starts its pumps
func (h *Hub) AddClient(conn *websocket.Conn) *Client {
	c := newClient(h, conn)

	h.clientsMu.Lock()
	if h.closed {
		h.clientsMu.Unlock()
		conn.Close()
		return c
	}
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.clientsMu.Unlock()

	log.Info().Uint64("client_id", c.id).Int("clients", total).Msg("[RELAY] New client connected")

	h.sendTo(c, protocol.Connection{Message: WelcomeMessage})
	h.sendTo(c, protocol.InitialVehicles{Vehicles: h.Vehicles()})

	go c.writePump()
	go c.readPump()
	return c
}

// Publish annotates a driver message with the server time, records it in
// the vehicle snapshot and sends it to every client except from. from is
// nil for updates arriving over HTTP.
func (h *Hub) Publish(from *Client, msg protocol.Message) protocol.Message {
	now := h.now().UTC()
	switch m := msg.(type) {
	case protocol.DriverLocationUpdate:
		m.ServerTimestamp = &now
		h.recordLocation(m.LocationUpdate, now)
		msg = m
	case protocol.DriverStopEvent:
		m.ServerTimestamp = &now
		h.recordStop(m.StopEvent, now)
		msg = m
	default:
		return msg
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Msg("[RELAY] Failed to encode broadcast")
		return msg
	}

	h.clientsMu.Lock()
	var slow []*Client
	recipients := 0
	for c := range h.clients {
		if c == from {
			continue
		}
		if !c.enqueue(frame) {
			slow = append(slow, c)
			continue
		}
		recipients++
	}
	h.clientsMu.Unlock()

	for _, c := range slow {
		log.Warn().Uint64("client_id", c.id).Msg("[RELAY] Dropping slow client")
		h.unregister(c)
	}
	log.Debug().Str("type", msg.Type()).Int("recipients", recipients).Msg("[BROADCAST] Update relayed")
	return msg
}

// Vehicles returns the snapshot ordered by driver name
func (h *Hub) Vehicles() []models.Vehicle {
	h.vehiclesMu.RLock()
	defer h.vehiclesMu.RUnlock()

	out := make([]models.Vehicle, 0, len(h.vehicles))
	for _, v := range h.vehicles {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverName < out[j].DriverName })
	return out
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.clientsMu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.clientsMu.Unlock()

	for c := range clients {
		c.close()
	}
	log.Info().Int("clients", len(clients)).Msg("[RELAY] Hub closed")
}

func (h *Hub) handle(from *Client, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ping:
		h.sendTo(from, protocol.Pong{})
	case protocol.DriverLocationUpdate, protocol.DriverStopEvent:
		annotated := h.Publish(from, m)
		// echo so the sender sees the server timestamp too
		h.sendTo(from, annotated)
	default:
		log.Debug().Str("type", msg.Type()).Uint64("client_id", from.id).Msg("[RELAY] Message not relayed")
	}
}

func (h *Hub) sendTo(c *Client, msg protocol.Message) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("type", msg.Type()).Msg("[RELAY] Failed to encode message")
		return
	}
	if !c.enqueue(frame) {
		h.unregister(c)
	}
}

func (h *Hub) unregister(c *Client) {
	h.clientsMu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	remaining := len(h.clients)
	h.clientsMu.Unlock()

	if ok {
		c.close()
		log.Info().Uint64("client_id", c.id).Int("clients", remaining).Msg("[RELAY] Client disconnected")
	}
}

func (h *Hub) pongWait() time.Duration {
	return 2 * h.cfg.HeartbeatInterval
}

func (h *Hub) recordLocation(u models.LocationUpdate, now time.Time) {
	if u.DriverName == "" {
		return
	}
	h.vehiclesMu.Lock()
	defer h.vehiclesMu.Unlock()

	v := h.vehicles[u.DriverName]
	if !v.LastUpdate.IsZero() && u.Timestamp.Before(v.LastUpdate) {
		// out-of-order echo of an older position
		return
	}
	v.ID = u.DriverName
	v.Name = u.DriverName
	v.DriverName = u.DriverName
	v.Position = u.Position
	v.Status = models.StatusActive
	v.LastUpdate = u.Timestamp
	if v.LastUpdate.IsZero() {
		v.LastUpdate = now
	}
	h.vehicles[u.DriverName] = v
}

func (h *Hub) recordStop(e models.StopEvent, now time.Time) {
	if e.DriverName == "" {
		return
	}
	h.vehiclesMu.Lock()
	defer h.vehiclesMu.Unlock()

	v, ok := h.vehicles[e.DriverName]
	if !ok {
		v = models.Vehicle{ID: e.DriverName, Name: e.DriverName, DriverName: e.DriverName, Position: e.Stop.Position, LastUpdate: now}
	}
	if e.Stop.IsOpen() {
		v.Status = models.StatusInactive
	} else {
		v.Status = models.StatusActive
	}
	h.vehicles[e.DriverName] = v
}
