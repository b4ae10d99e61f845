// internal/model/event.go
package model

import (
	"time"
)

// EventType represents the type of event
type EventType string

const (
	EventPortOpened        EventType = "PORT_OPENED"
	EventPortClosed        EventType = "PORT_CLOSED"
	EventIdentityConfirmed EventType = "IDENTITY_CONFIRMED"
	EventAnswer            EventType = "ANSWER"
	EventAnswerTimeout     EventType = "ANSWER_TIMEOUT"
	EventReading           EventType = "READING"
	EventStatusChange      EventType = "STATUS_CHANGE"
)

// DeviceEvent represents an event published to monitoring clients
type DeviceEvent struct {
	EventType EventType  `json:"event_type"`
	Port      string     `json:"port,omitempty"`
	Data      JSONObject `json:"data,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	Severity  string     `json:"severity"` // INFO, WARNING, ERROR
}

// Direction tells whether a frame was sent to or received from the device
type Direction string

const (
	DirectionTX Direction = ">>"
	DirectionRX Direction = "<<"
)
