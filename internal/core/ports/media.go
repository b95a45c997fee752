package ports

import (
	"context"

	"voicelink/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// MediaSource is the platform audio-capture engine. The production
// implementation wraps pion/mediadevices; tests use a fake.
type MediaSource interface {
	AcquireAudio(ctx context.Context, constraints domain.AudioConstraints) (AudioCapture, error)
}

// AudioCapture is one live microphone capture. Closing it stops the
// underlying device.
type AudioCapture interface {
	// Codec describes the encoded form the capture produces
	Codec() webrtc.RTPCodecCapability

	// NewReader starts packetization at the given MTU
	NewReader(mtu int) (RTPReader, error)

	// SetGain scales captured audio before encoding. 1.0 is unity.
	SetGain(gain float64)

	Close() error
}

// RTPReader matches the read side of a packetized capture. The release
// callback returns buffers to the capture pool and must be called once
// the packets are no longer referenced.
type RTPReader interface {
	Read() (packets []*rtp.Packet, release func(), err error)
	Close() error
}
