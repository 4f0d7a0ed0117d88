package events

// Event type constants for kelindar/event.
const (
	TypeWorkerStateChanged uint32 = iota + 1
	TypeStreamConnected
	TypeStreamDisconnected
	TypeDeviceStateChanged
	TypeConfigReloaded
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// WorkerStateChangedEvent fires on every supervisor state transition.
type WorkerStateChangedEvent struct {
	Worker    string `json:"worker"`
	OldState  string `json:"old_state"`
	NewState  string `json:"new_state"`
	Error     string `json:"error,omitempty"`
	Restarts  int    `json:"restarts"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for WorkerStateChangedEvent.
func (e WorkerStateChangedEvent) Type() uint32 { return TypeWorkerStateChanged }

// StreamConnectedEvent fires when a transport session establishes, including
// when a new inbound connection supersedes a previous producer.
type StreamConnectedEvent struct {
	Stream     string `json:"stream"` // video, audio, command
	Remote     string `json:"remote"`
	Superseded bool   `json:"superseded"`
	Timestamp  string `json:"timestamp"`
}

// Type returns the event type identifier for StreamConnectedEvent.
func (e StreamConnectedEvent) Type() uint32 { return TypeStreamConnected }

// StreamDisconnectedEvent fires when a transport session ends.
type StreamDisconnectedEvent struct {
	Stream    string `json:"stream"`
	Remote    string `json:"remote"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for StreamDisconnectedEvent.
func (e StreamDisconnectedEvent) Type() uint32 { return TypeStreamDisconnected }

// DeviceStateChangedEvent fires when the bridge's local endpoint comes or
// goes (serial device unplugged/replugged).
type DeviceStateChangedEvent struct {
	Path      string `json:"path"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for DeviceStateChangedEvent.
func (e DeviceStateChangedEvent) Type() uint32 { return TypeDeviceStateChanged }

// ConfigReloadedEvent fires when the watched config file changes on disk.
type ConfigReloadedEvent struct {
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for ConfigReloadedEvent.
func (e ConfigReloadedEvent) Type() uint32 { return TypeConfigReloaded }
