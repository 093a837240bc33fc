package api

import (
	"net/http"
	"strconv"
	"time"

	"fleet-tracker/internal/models"
	"fleet-tracker/internal/protocol"
	"fleet-tracker/internal/ratelimit"
	"fleet-tracker/internal/relay"

	"github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
	ws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 64 * 1024

var validate = validator.New()

// Options configures the relay HTTP surface
type Options struct {
	AllowedOrigins     []string
	RateLimitPerMinute int

	// IPRateLimitPerMinute caps /api requests per client address; zero
	// disables it.
	IPRateLimitPerMinute int

	// Registry receives the relay collectors and backs /metrics. Nil means a
	// private registry.
	Registry *prometheus.Registry
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	hub         *relay.Hub
	rateLimiter *ratelimit.RateLimiter
	upgrader    ws.Upgrader
	origins     []string
	ipLimit     int
	registry    *prometheus.Registry
	ingested    *prometheus.CounterVec
}

// NewServer creates a new API server
func NewServer(hub *relay.Hub, opts Options) *Server {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s := &Server{
		hub:         hub,
		rateLimiter: ratelimit.New(opts.RateLimitPerMinute),
		origins:     origins,
		ipLimit:     opts.IPRateLimitPerMinute,
		registry:    reg,
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_relay_http_updates_total",
			Help: "Updates received over the HTTP fallback by kind and result",
		}, []string{"kind", "result"}),
	}
	s.upgrader = ws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	reg.MustRegister(
		s.ingested,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fleet_relay_clients",
			Help: "Connected websocket clients",
		}, func() float64 { return float64(hub.ClientCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "fleet_relay_vehicles",
			Help: "Vehicles in the relay snapshot",
		}, func() float64 { return float64(len(hub.Vehicles())) }),
	)
	return s
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

type acceptedResponse struct {
	Status          string    `json:"status"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

// Health reports that the relay is up
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "Server is running", Clients: s.hub.ClientCount()})
}

// SubmitLocation accepts a location update over HTTP and broadcasts it to
// every websocket client.
func (s *Server) SubmitLocation(w http.ResponseWriter, r *http.Request) {
	var update models.LocationUpdate
	if err := decodeBody(w, r, &update); err != nil {
		s.reject(w, "location", http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(update); err != nil {
		s.reject(w, "location", http.StatusBadRequest, "driverName and a valid position are required")
		return
	}
	if !s.rateLimiter.Allow(update.DriverName) {
		log.Warn().Str("driver", update.DriverName).Msg("[RATE_LIMIT] Driver exceeded rate limit")
		s.reject(w, "location", http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	msg := s.hub.Publish(nil, protocol.DriverLocationUpdate{LocationUpdate: update}).(protocol.DriverLocationUpdate)
	s.ingested.WithLabelValues("location", "accepted").Inc()
	log.Debug().Str("driver", update.DriverName).Msg("[SUBMIT] Location accepted over HTTP")
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", ServerTimestamp: *msg.ServerTimestamp})
}

// SubmitStop accepts a stop event over HTTP and broadcasts it
func (s *Server) SubmitStop(w http.ResponseWriter, r *http.Request) {
	var event models.StopEvent
	if err := decodeBody(w, r, &event); err != nil {
		s.reject(w, "stop", http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validate.Struct(event); err != nil {
		s.reject(w, "stop", http.StatusBadRequest, "driverName and stop.id are required")
		return
	}
	if !s.rateLimiter.Allow(event.DriverName) {
		log.Warn().Str("driver", event.DriverName).Msg("[RATE_LIMIT] Driver exceeded rate limit")
		s.reject(w, "stop", http.StatusTooManyRequests, "Rate limit exceeded")
		return
	}

	msg := s.hub.Publish(nil, protocol.DriverStopEvent{StopEvent: event}).(protocol.DriverStopEvent)
	s.ingested.WithLabelValues("stop", "accepted").Inc()
	writeJSON(w, http.StatusAccepted, acceptedResponse{Status: "accepted", ServerTimestamp: *msg.ServerTimestamp})
}

// ListVehicles returns the relay's vehicle snapshot
func (s *Server) ListVehicles(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Vehicles())
}

// HandleWebSocket upgrades and hands the connection to the hub
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("[RELAY] WebSocket upgrade failed")
		return
	}
	s.hub.AddClient(conn)
}

// PruneLimiters drops idle per-driver limiters
func (s *Server) PruneLimiters() int {
	return s.rateLimiter.Prune()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) reject(w http.ResponseWriter, kind string, status int, message string) {
	s.ingested.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	http.Error(w, message, status)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("[API] Failed to write response")
	}
}
