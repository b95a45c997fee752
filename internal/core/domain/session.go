package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

// NewSessionID generates a unique session ID
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// ICEServer describes a STUN/TURN server used during connectivity
// establishment.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type PortRange struct {
	Min uint16
	Max uint16
}

// AudioConstraints configure local microphone capture. The DSP flags are
// hints; drivers that do not support them capture unprocessed audio.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	ChannelCount     int
	Latency          time.Duration
}

// DefaultAudioConstraints returns capture settings suitable for voice
func DefaultAudioConstraints() AudioConstraints {
	return AudioConstraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
		SampleRate:       48000,
		ChannelCount:     1,
		Latency:          20 * time.Millisecond,
	}
}

// CallConfig is everything needed to build one voice session
type CallConfig struct {
	ICEServers      []ICEServer
	PortRange       PortRange
	PreferredCodecs []string
	Audio           AudioConstraints
	ControlLabel    string
}
