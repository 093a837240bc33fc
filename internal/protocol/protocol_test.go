package protocol

import (
	"testing"
	"time"

	"fleet-tracker/internal/models"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLocationUpdateShape(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Encode(DriverLocationUpdate{LocationUpdate: models.LocationUpdate{
		ID:         "u1",
		DriverName: "alice",
		Position:   models.LatLng{Lat: 40.7128, Lng: -74.006},
		Timestamp:  ts,
	}})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "driverLocationUpdate", raw["type"])
	payload := raw["payload"].(map[string]any)
	assert.Equal(t, "alice", payload["driverName"])
	assert.Equal(t, 40.7128, payload["position"].(map[string]any)["lat"])
	assert.NotContains(t, payload, "serverTimestamp")
}

func TestDecodeEveryType(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Message
	}{
		{"ping", `{"type":"ping"}`, Ping{}},
		{"pong", `{"type":"pong"}`, Pong{}},
		{"connection", `{"type":"connection","payload":"Connected to server"}`, Connection{Message: "Connected to server"}},
		{"empty vehicles", `{"type":"initialVehicles","payload":[]}`, InitialVehicles{Vehicles: []models.Vehicle{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeLocationUpdate(t *testing.T) {
	in := `{"type":"driverLocationUpdate","payload":{"id":"u1","driverName":"bob","position":{"lat":1.5,"lng":2.5},"timestamp":"2026-01-02T03:04:05Z","serverTimestamp":"2026-01-02T03:04:06Z"}}`
	msg, err := Decode([]byte(in))
	require.NoError(t, err)

	update, ok := msg.(DriverLocationUpdate)
	require.True(t, ok)
	assert.Equal(t, "bob", update.DriverName)
	assert.Equal(t, models.LatLng{Lat: 1.5, Lng: 2.5}, update.Position)
	require.NotNil(t, update.ServerTimestamp)
	assert.Equal(t, 6, update.ServerTimestamp.Second())
}

func TestRoundTripStopEvent(t *testing.T) {
	end := time.Date(2026, 1, 2, 3, 5, 0, 0, time.UTC)
	in := DriverStopEvent{StopEvent: models.StopEvent{
		DriverName: "carol",
		Stop: models.StopInterval{
			ID:         "s1",
			Position:   models.LatLng{Lat: 1, Lng: 2},
			StartTime:  end.Add(-time.Minute),
			EndTime:    &end,
			DurationMs: 60000,
			Confirmed:  true,
		},
	}}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	stop := out.(DriverStopEvent)
	assert.Equal(t, "carol", stop.DriverName)
	assert.Equal(t, int64(60000), stop.Stop.DurationMs)
	assert.True(t, stop.Stop.EndTime.Equal(end))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","payload":{}}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"type":"driverLocationUpdate"}`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"type":"driverLocationUpdate","payload":"nope"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeInitialVehiclesNil(t *testing.T) {
	data, err := Encode(InitialVehicles{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"initialVehicles","payload":[]}`, string(data))
}
