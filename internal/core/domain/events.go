package domain

import "time"

// EventType represents the type of event
type EventType string

const (
	EventConnectionStateChanged  EventType = "connection_state_changed"
	EventICECandidate            EventType = "ice_candidate"
	EventRemoteStream            EventType = "remote_stream"
	EventDataChannelOpen         EventType = "data_channel_open"
	EventDataChannelMessage      EventType = "data_channel_message"
	EventMicrophoneMuted         EventType = "microphone_muted"
	EventMicrophoneVolumeChanged EventType = "microphone_volume_changed"
	EventCallStarted             EventType = "call_started"
	EventCallEnded               EventType = "call_ended"
	EventError                   EventType = "error"
)

// Event is what listeners receive from the bus. Payload holds one of the
// typed payload structs below, keyed by Type.
type Event struct {
	Type      EventType
	SessionID SessionID
	Timestamp time.Time
	Payload   any
}

// StateKind names which of the three transport state machines changed
type StateKind string

const (
	StateKindConnection StateKind = "connection"
	StateKindICE        StateKind = "ice"
	StateKindSignaling  StateKind = "signaling"
)

type StateChangedPayload struct {
	Kind  StateKind
	State string
}

type ICECandidatePayload struct {
	Candidate ICECandidate
}

type RemoteStreamPayload struct {
	TrackID  string
	StreamID string
	Codec    string
}

type DataChannelOpenPayload struct {
	Label string
}

type DataChannelMessagePayload struct {
	Label   string
	Message ControlMessage
}

type MicrophoneMutedPayload struct {
	Muted bool
}

type MicrophoneVolumePayload struct {
	Volume float64
}

type CallStartedPayload struct {
	TrackID string
}

type CallEndedPayload struct{}

// ErrorPayload carries asynchronous transport failures. Recoverable means
// the host may attempt a fresh call; the transport never retries on its own.
type ErrorPayload struct {
	Code        string
	Message     string
	Recoverable bool
	Timestamp   time.Time
}
