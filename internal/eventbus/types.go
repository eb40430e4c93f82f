package eventbus

import "time"

type EventType string

const (
	EventMachineProvisioning EventType = "machine.provisioning"
	EventMachineRunning      EventType = "machine.running"
	EventMachineTerminated   EventType = "machine.terminated"
	EventMachineFailed       EventType = "machine.failed"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

func SessionChannelKey(sessionID string) string {
	return "machine:" + sessionID + ":events"
}
