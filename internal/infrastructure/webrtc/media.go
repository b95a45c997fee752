package webrtc

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/events"
	"voicelink/internal/core/ports"
	voiceerr "voicelink/pkg/errors"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// outboundMTU bounds RTP packetization of the capture pump
const outboundMTU = 1200

// rtpWriter is the write side of the local track
type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// RemoteStream is the inbound audio stream, populated when the remote
// peer's track arrives. Read-only from the host's perspective.
type RemoteStream struct {
	TrackID  string
	StreamID string
	Codec    string
	Track    *webrtc.TrackRemote
}

// MediaController manages the local capture stream and the remote audio
// stream. At most one local capture exists at a time; mute gates the
// outbound packet pump without stopping the device, so unmute is instant
// and needs no re-acquisition.
type MediaController struct {
	source ports.MediaSource
	bus    *events.Bus
	logger *zap.SugaredLogger

	muted atomic.Bool

	mu         sync.Mutex
	generation uint64
	capture    ports.AudioCapture
	localTrack *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	writer     rtpWriter
	remote     *RemoteStream
	volume     float64
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// NewMediaController creates a media controller backed by the given
// capture engine.
func NewMediaController(source ports.MediaSource, bus *events.Bus, logger *zap.SugaredLogger) *MediaController {
	return &MediaController{
		source: source,
		bus:    bus,
		logger: logger,
		volume: 1.0,
	}
}

// Acquire opens the microphone with the given constraints. Fatal to the
// current call attempt on failure; the caller may retry with a fresh
// StartCall.
func (m *MediaController) Acquire(ctx context.Context, constraints domain.AudioConstraints) error {
	m.mu.Lock()
	if m.capture != nil {
		m.mu.Unlock()
		return domain.ErrLocalStreamActive
	}
	generation := m.generation
	m.mu.Unlock()

	// The device request can block on permission prompts or busy
	// hardware, so it runs outside the lock. Release stays callable
	// throughout; a generation bump means it ran and this acquisition
	// belongs to a torn-down call.
	capture, err := m.source.AcquireAudio(ctx, constraints)
	if err != nil {
		if voiceerr.GetCallError(err) != nil {
			return err
		}
		return voiceerr.NewMediaAcquisitionError(err, "failed to acquire microphone")
	}

	m.mu.Lock()
	if m.generation != generation || ctx.Err() != nil {
		m.mu.Unlock()
		if cerr := capture.Close(); cerr != nil {
			m.logger.Warnw("failed to close orphaned capture", "error", cerr)
		}
		if ctx.Err() != nil {
			return voiceerr.NewMediaAcquisitionError(ctx.Err(), "capture acquisition cancelled")
		}
		return voiceerr.NewMediaAcquisitionError(domain.ErrCallEnded, "capture released while acquiring")
	}
	if m.capture != nil {
		m.mu.Unlock()
		if cerr := capture.Close(); cerr != nil {
			m.logger.Warnw("failed to close orphaned capture", "error", cerr)
		}
		return domain.ErrLocalStreamActive
	}
	m.capture = capture
	m.capture.SetGain(m.volume)
	m.mu.Unlock()
	return nil
}

// Attach creates the local audio track from the capture codec, adds it to
// the transport and starts the packet pump. The returned sender handle is
// retained for the lifetime of the call.
func (m *MediaController) Attach(ctx context.Context, transport ports.Transport) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capture == nil {
		return voiceerr.NewMediaAcquisitionError(nil, "no local capture to attach")
	}

	track, err := webrtc.NewTrackLocalStaticRTP(m.capture.Codec(), "audio", "voicelink-audio")
	if err != nil {
		return voiceerr.NewMediaAcquisitionError(err, "failed to create local track")
	}

	sender, err := transport.AddTrack(track)
	if err != nil {
		return voiceerr.NewMediaAcquisitionError(err, "failed to attach local track")
	}

	reader, err := m.capture.NewReader(outboundMTU)
	if err != nil {
		return voiceerr.NewMediaAcquisitionError(err, "failed to start capture reader")
	}

	m.localTrack = track
	m.sender = sender
	m.writer = track

	pumpCtx, cancel := context.WithCancel(ctx)
	m.pumpCancel = cancel
	m.pumpDone = make(chan struct{})
	go m.pump(pumpCtx, reader, m.writer)

	return nil
}

// pump forwards captured RTP to the local track until the reader drains
// or the call context is cancelled. Muted packets are consumed and
// dropped so the encoder keeps pace.
func (m *MediaController) pump(ctx context.Context, reader ports.RTPReader, writer rtpWriter) {
	defer close(m.pumpDone)
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		packets, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				m.logger.Warnw("capture read failed", "error", err)
			}
			return
		}

		if !m.muted.Load() {
			for _, packet := range packets {
				if packet == nil {
					continue
				}
				if err := writer.WriteRTP(packet); err != nil {
					m.logger.Warnw("failed to write outbound packet", "error", err)
				}
			}
		}

		if release != nil {
			release()
		}
	}
}

// SetMuted toggles the outbound gate. The capture keeps running so unmute
// does not re-request the device.
func (m *MediaController) SetMuted(muted bool) {
	m.muted.Store(muted)
	m.bus.Emit(domain.Event{
		Type:    domain.EventMicrophoneMuted,
		Payload: domain.MicrophoneMutedPayload{Muted: muted},
	})
}

// IsMuted reports the outbound gate state
func (m *MediaController) IsMuted() bool {
	return m.muted.Load()
}

// SetVolume adjusts capture gain. Values are clamped to [0, 2].
func (m *MediaController) SetVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	if volume > 2 {
		volume = 2
	}

	m.mu.Lock()
	m.volume = volume
	if m.capture != nil {
		m.capture.SetGain(volume)
	}
	m.mu.Unlock()

	m.bus.Emit(domain.Event{
		Type:    domain.EventMicrophoneVolumeChanged,
		Payload: domain.MicrophoneVolumePayload{Volume: volume},
	})
}

// Volume returns the current capture gain
func (m *MediaController) Volume() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// LocalTrackID returns the id of the attached local track, or "" when no
// call is active.
func (m *MediaController) LocalTrackID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.localTrack == nil {
		return ""
	}
	return m.localTrack.ID()
}

// HandleRemoteTrack stores the inbound stream and announces it
func (m *MediaController) HandleRemoteTrack(track *webrtc.TrackRemote) {
	remote := &RemoteStream{
		TrackID:  track.ID(),
		StreamID: track.StreamID(),
		Codec:    track.Codec().MimeType,
		Track:    track,
	}

	m.mu.Lock()
	m.remote = remote
	m.mu.Unlock()

	m.logger.Infow("remote audio track arrived",
		"track_id", remote.TrackID,
		"stream_id", remote.StreamID,
		"codec", remote.Codec,
	)

	m.bus.Emit(domain.Event{
		Type: domain.EventRemoteStream,
		Payload: domain.RemoteStreamPayload{
			TrackID:  remote.TrackID,
			StreamID: remote.StreamID,
			Codec:    remote.Codec,
		},
	})
}

// RemoteStream returns the inbound stream, or nil before it arrives
func (m *MediaController) RemoteStream() *RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Release stops the pump, closes the capture and clears both stream
// references, returning the controller to its pre-call state.
func (m *MediaController) Release() {
	m.mu.Lock()
	m.generation++
	cancel := m.pumpCancel
	done := m.pumpDone
	capture := m.capture
	m.pumpCancel = nil
	m.pumpDone = nil
	m.capture = nil
	m.localTrack = nil
	m.sender = nil
	m.writer = nil
	m.remote = nil
	m.volume = 1.0
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			m.logger.Warnw("failed to close capture", "error", err)
		}
	}
	if done != nil {
		<-done
	}

	m.muted.Store(false)
}
