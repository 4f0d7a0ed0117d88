package bus

import (
	"encoding/json"
	"fmt"
)

// Subject layout. The robot.* subjects carry raw command bytes for the
// serial bridge; the fieldlink.* subjects carry JSON control and status
// messages between the node and the operator console.
const (
	// SubjectCommandTx carries operator commands bound for the robot's
	// serial device.
	SubjectCommandTx = "robot.tx"

	// SubjectCommandRx carries robot telemetry read from the serial device.
	SubjectCommandRx = "robot.rx"

	// SubjectGimbalTx and SubjectGimbalRx are the equivalent pair for the
	// camera gimbal controller.
	SubjectGimbalTx = "robot.gimbal.tx"
	SubjectGimbalRx = "robot.gimbal.rx"

	// SubjectControlPrefix roots the per-worker control subjects.
	SubjectControlPrefix = "fieldlink.control"

	// SubjectNodePrefix roots node status reporting.
	SubjectNodePrefix = "fieldlink.node"
)

// SubjectControlRestart returns the restart command subject for a worker.
func SubjectControlRestart(worker string) string {
	return fmt.Sprintf("%s.%s.restart", SubjectControlPrefix, worker)
}

// SubjectNodeState returns the subject for a worker's state reports.
func SubjectNodeState(worker string) string {
	return fmt.Sprintf("%s.%s.state", SubjectNodePrefix, worker)
}

// SubjectNodeLogs returns the subject the node publishes notable log
// entries on.
func SubjectNodeLogs() string {
	return SubjectNodePrefix + ".logs"
}

// ControlMessage is a command sent to the node from the operator console.
type ControlMessage struct {
	Action    string `json:"action"` // restart
	Worker    string `json:"worker"`
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason,omitempty"`
}

// Marshal serializes the message to JSON.
func (m ControlMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// StateMessage reports a worker state transition to the operator console.
type StateMessage struct {
	Worker    string `json:"worker"`
	State     string `json:"state"`
	Restarts  int    `json:"restarts"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m StateMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// LogMessage is a notable log entry forwarded over the bus.
type LogMessage struct {
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Module    string         `json:"module,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Marshal serializes the message to JSON.
func (m LogMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalControl deserializes a ControlMessage from JSON.
func UnmarshalControl(data []byte) (ControlMessage, error) {
	var m ControlMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalState deserializes a StateMessage from JSON.
func UnmarshalState(data []byte) (StateMessage, error) {
	var m StateMessage
	err := json.Unmarshal(data, &m)
	return m, err
}

// UnmarshalLog deserializes a LogMessage from JSON.
func UnmarshalLog(data []byte) (LogMessage, error) {
	var m LogMessage
	err := json.Unmarshal(data, &m)
	return m, err
}
