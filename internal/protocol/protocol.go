// Package protocol defines the relay wire envelope as a closed set of
// message types.
package protocol

import (
	"errors"
	"fmt"
	"time"

	"fleet-tracker/internal/models"

	"github.com/goccy/go-json"
)

// Message type tags
const (
	TypeDriverLocationUpdate = "driverLocationUpdate"
	TypeDriverStopEvent      = "driverStopEvent"
	TypePing                 = "ping"
	TypePong                 = "pong"
	TypeInitialVehicles      = "initialVehicles"
	TypeConnection           = "connection"
)

// ErrUnknownType is returned when decoding an unrecognized tag
var ErrUnknownType = errors.New("unknown message type")

// ErrMalformed is returned when the envelope or its payload cannot be parsed
var ErrMalformed = errors.New("malformed message")

// Message is implemented only by the types in this package.
type Message interface {
	Type() string
	isMessage()
}

// DriverLocationUpdate carries one position of a driver
type DriverLocationUpdate struct {
	models.LocationUpdate
	ServerTimestamp *time.Time `json:"serverTimestamp,omitempty"`
}

// DriverStopEvent carries a confirmed or closed stop of a driver
type DriverStopEvent struct {
	models.StopEvent
	ServerTimestamp *time.Time `json:"serverTimestamp,omitempty"`
}

type Ping struct{}

type Pong struct{}

// InitialVehicles is the relay's snapshot sent to a newly joined client
type InitialVehicles struct {
	Vehicles []models.Vehicle
}

// Connection is the relay's welcome message
type Connection struct {
	Message string
}

func (DriverLocationUpdate) Type() string { return TypeDriverLocationUpdate }
func (DriverStopEvent) Type() string      { return TypeDriverStopEvent }
func (Ping) Type() string                 { return TypePing }
func (Pong) Type() string                 { return TypePong }
func (InitialVehicles) Type() string      { return TypeInitialVehicles }
func (Connection) Type() string           { return TypeConnection }

func (DriverLocationUpdate) isMessage() {}
func (DriverStopEvent) isMessage()      {}
func (Ping) isMessage()                 {}
func (Pong) isMessage()                 {}
func (InitialVehicles) isMessage()      {}
func (Connection) isMessage()           {}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode writes m as a {type, payload} envelope.
func Encode(m Message) ([]byte, error) {
	var payload any
	switch msg := m.(type) {
	case DriverLocationUpdate:
		payload = msg
	case DriverStopEvent:
		payload = msg
	case InitialVehicles:
		vehicles := msg.Vehicles
		if vehicles == nil {
			vehicles = []models.Vehicle{}
		}
		payload = vehicles
	case Connection:
		payload = msg.Message
	case Ping, Pong:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}

	env := envelope{Type: m.Type()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", m.Type(), err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses an envelope into its concrete message type.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeDriverLocationUpdate:
		var m DriverLocationUpdate
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeDriverStopEvent:
		var m DriverStopEvent
		if err := decodePayload(env, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case TypeInitialVehicles:
		var m InitialVehicles
		if len(env.Payload) > 0 {
			if err := decodePayload(env, &m.Vehicles); err != nil {
				return nil, err
			}
		}
		return m, nil
	case TypeConnection:
		var m Connection
		if len(env.Payload) > 0 {
			if err := decodePayload(env, &m.Message); err != nil {
				return nil, err
			}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodePayload(env envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return nil
}
