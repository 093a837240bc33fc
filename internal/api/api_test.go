package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fleet-tracker/internal/models"
	"fleet-tracker/internal/protocol"
	"fleet-tracker/internal/relay"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, perMinute int) (*httptest.Server, *relay.Hub) {
	t.Helper()
	hub := relay.NewHub(relay.Config{HeartbeatInterval: time.Minute, WriteWait: time.Second})
	srv := NewServer(hub, Options{RateLimitPerMinute: perMinute})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})
	return ts, hub
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(data)
	require.NoError(t, err)
	return msg
}

// join dials and consumes the welcome and snapshot
func join(t *testing.T, ts *httptest.Server) (*websocket.Conn, []models.Vehicle) {
	t.Helper()
	conn := dial(t, ts)

	welcome, ok := read(t, conn).(protocol.Connection)
	require.True(t, ok, "first message is the welcome")
	assert.Equal(t, relay.WelcomeMessage, welcome.Message)

	snapshot, ok := read(t, conn).(protocol.InitialVehicles)
	require.True(t, ok, "second message is the vehicle snapshot")
	return conn, snapshot.Vehicles
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func location(driver string, lat, lng float64) models.LocationUpdate {
	return models.LocationUpdate{
		ID:         driver + "-1",
		DriverName: driver,
		Position:   models.LatLng{Lat: lat, Lng: lng},
		Timestamp:  time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Server is running", body.Status)
}

func TestWebSocketEchoAndBroadcast(t *testing.T) {
	ts, hub := newTestServer(t, 0)
	sender, vehicles := join(t, ts)
	assert.Empty(t, vehicles)
	other, _ := join(t, ts)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	send(t, sender, protocol.DriverLocationUpdate{LocationUpdate: location("alice", 40.7128, -74.0060)})

	echo, ok := read(t, sender).(protocol.DriverLocationUpdate)
	require.True(t, ok)
	assert.Equal(t, "alice", echo.DriverName)
	require.NotNil(t, echo.ServerTimestamp)

	broadcast, ok := read(t, other).(protocol.DriverLocationUpdate)
	require.True(t, ok)
	assert.Equal(t, "alice", broadcast.DriverName)
	require.NotNil(t, broadcast.ServerTimestamp)

	late, snapshot := join(t, ts)
	defer late.Close()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "alice", snapshot[0].DriverName)
	assert.Equal(t, models.StatusActive, snapshot[0].Status)
}

func TestWebSocketPing(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	conn, _ := join(t, ts)

	send(t, conn, protocol.Ping{})
	_, ok := read(t, conn).(protocol.Pong)
	assert.True(t, ok)
}

func TestSubmitLocation(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	listener, _ := join(t, ts)

	body, err := json.Marshal(location("bob", 51.5074, -0.1278))
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/location", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	update, ok := read(t, listener).(protocol.DriverLocationUpdate)
	require.True(t, ok)
	assert.Equal(t, "bob", update.DriverName)

	resp, err = http.Get(ts.URL + "/api/vehicles")
	require.NoError(t, err)
	defer resp.Body.Close()
	var vehicles []models.Vehicle
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vehicles))
	require.Len(t, vehicles, 1)
	assert.Equal(t, 51.5074, vehicles[0].Position.Lat)
}

func TestSubmitLocationValidation(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"driverName":`},
		{"missing driver", `{"position":{"lat":1,"lng":1}}`},
		{"latitude out of range", `{"driverName":"x","position":{"lat":91,"lng":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/location", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestSubmitLocationRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, 2)
	body, err := json.Marshal(location("carol", 1, 1))
	require.NoError(t, err)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Post(ts.URL+"/api/location", "application/json", strings.NewReader(string(body)))
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
}

func TestSubmitStop(t *testing.T) {
	ts, hub := newTestServer(t, 0)
	hub.Publish(nil, protocol.DriverLocationUpdate{LocationUpdate: location("dan", 1, 1)})

	event := models.StopEvent{DriverName: "dan", Stop: models.StopInterval{ID: "s1", StartTime: time.Now()}}
	body, err := json.Marshal(event)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/stops", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	vehicles := hub.Vehicles()
	require.Len(t, vehicles, 1)
	assert.Equal(t, models.StatusInactive, vehicles[0].Status)

	resp, err = http.Post(ts.URL+"/api/stops", "application/json", strings.NewReader(`{"driverName":"dan"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, 0)
	join(t, ts)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fleet_relay_clients")
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, 0)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/location", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestAPILimitedPerAddress(t *testing.T) {
	hub := relay.NewHub(relay.Config{})
	srv := NewServer(hub, Options{IPRateLimitPerMinute: 1})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/api/vehicles")
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is outside the limited group")
}
