package transport

import (
	"fmt"

	"fleet-tracker/internal/models"
	"fleet-tracker/internal/protocol"

	"github.com/goccy/go-json"
)

// MessageFor maps a queue item onto its wire message.
func MessageFor(item models.QueueItem) (protocol.Message, error) {
	switch item.Type {
	case models.TypeLocationUpdate:
		var u models.LocationUpdate
		if err := json.Unmarshal(item.Payload, &u); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
		}
		return protocol.DriverLocationUpdate{LocationUpdate: u}, nil
	case models.TypeStopEvent:
		var e models.StopEvent
		if err := json.Unmarshal(item.Payload, &e); err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrMalformed, err)
		}
		return protocol.DriverStopEvent{StopEvent: e}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedItem, item.Type)
	}
}
