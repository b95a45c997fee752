package domain

import "time"

// InboundAudioStats describes the receive leg of the audio path
type InboundAudioStats struct {
	BytesReceived   uint64
	PacketsReceived uint32
	PacketsLost     int32
	Jitter          float64
	AudioLevel      float64
}

// OutboundAudioStats describes the send leg of the audio path
type OutboundAudioStats struct {
	BytesSent     uint64
	PacketsSent   uint32
	TargetBitrate float64
}

// AudioStats is the audio-only view returned by AudioStats()
type AudioStats struct {
	Timestamp time.Time
	Inbound   InboundAudioStats
	Outbound  OutboundAudioStats
}

// ConnectionStatsSnapshot is a point-in-time read of transport counters.
// Snapshots are recomputed on every query and never cached.
type ConnectionStatsSnapshot struct {
	Timestamp     time.Time
	Inbound       InboundAudioStats
	Outbound      OutboundAudioStats
	BytesSent     uint64
	BytesReceived uint64
	RoundTripTime time.Duration
}
