package common

import (
	"github.com/google/uuid"
)

// NewEventID generates a unique id for a RunEvent, so /ws subscribers and
// log lines can correlate the same event across the bus fan-out.
// Format: evt_<uuid>
func NewEventID() string {
	return "evt_" + uuid.New().String()
}
