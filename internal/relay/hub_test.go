package relay

import (
	"testing"
	"time"

	"fleet-tracker/internal/models"
	"fleet-tracker/internal/protocol"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(driver string, lat float64, ts time.Time) protocol.DriverLocationUpdate {
	return protocol.DriverLocationUpdate{LocationUpdate: models.LocationUpdate{
		DriverName: driver,
		Position:   models.LatLng{Lat: lat, Lng: 1},
		Timestamp:  ts,
	}}
}

func TestPublishAnnotatesServerTimestamp(t *testing.T) {
	hub := NewHub(Config{})
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return fixed }

	out := hub.Publish(nil, update("alice", 1, fixed.Add(-time.Second)))
	msg, ok := out.(protocol.DriverLocationUpdate)
	require.True(t, ok)
	require.NotNil(t, msg.ServerTimestamp)
	assert.Equal(t, fixed, *msg.ServerTimestamp)
}

func TestSnapshotIgnoresOlderEchoes(t *testing.T) {
	hub := NewHub(Config{})
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	hub.Publish(nil, update("alice", 2, base.Add(time.Minute)))
	hub.Publish(nil, update("alice", 1, base))
	hub.Publish(nil, update("bob", 5, base))

	vehicles := hub.Vehicles()
	require.Len(t, vehicles, 2)
	assert.Equal(t, "alice", vehicles[0].DriverName)
	assert.Equal(t, 2.0, vehicles[0].Position.Lat, "older duplicate must not move the vehicle back")
	assert.Equal(t, "bob", vehicles[1].DriverName)
}

func TestStopEventsToggleStatus(t *testing.T) {
	hub := NewHub(Config{})
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	hub.Publish(nil, update("carol", 1, start))

	stop := models.StopInterval{ID: "s1", StartTime: start}
	hub.Publish(nil, protocol.DriverStopEvent{StopEvent: models.StopEvent{DriverName: "carol", Stop: stop}})
	assert.Equal(t, models.StatusInactive, hub.Vehicles()[0].Status)

	end := start.Add(time.Minute)
	stop.EndTime = &end
	hub.Publish(nil, protocol.DriverStopEvent{StopEvent: models.StopEvent{DriverName: "carol", Stop: stop}})
	assert.Equal(t, models.StatusActive, hub.Vehicles()[0].Status)
}

func TestPublishIgnoresControlMessages(t *testing.T) {
	hub := NewHub(Config{})
	out := hub.Publish(nil, protocol.Ping{})
	assert.Equal(t, protocol.Ping{}, out)
	assert.Empty(t, hub.Vehicles())
}
