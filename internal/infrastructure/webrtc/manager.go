package webrtc

import (
	"context"
	"sync"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/events"
	"voicelink/internal/core/ports"
	voiceerr "voicelink/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Manager owns the peer connection and its negotiation state machine and
// is the single public facade over media, control channel and quality
// monitoring. One Manager drives at most one Connection at a time;
// nothing is shared across instances.
type Manager struct {
	cfg     domain.CallConfig
	bus     *events.Bus
	logger  *zap.SugaredLogger
	metrics ports.MetricsSink

	media   *MediaController
	control *ControlChannel
	quality *QualityMonitor

	newTransport TransportFactory

	mu            sync.Mutex
	sessionID     domain.SessionID
	transport     ports.Transport
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
	callActive    bool
	callStart     time.Time
	callCtx       context.Context
	callCancel    context.CancelFunc
	failed        bool
	destroyed     bool
}

// Option customizes manager construction
type Option func(*Manager)

// WithTransportFactory overrides how the underlying transport is built.
// Tests use it to substitute a fake.
func WithTransportFactory(factory TransportFactory) Option {
	return func(m *Manager) {
		m.newTransport = factory
	}
}

// NewManager creates a manager. A nil metrics sink disables measurement.
func NewManager(
	cfg domain.CallConfig,
	source ports.MediaSource,
	bus *events.Bus,
	metrics ports.MetricsSink,
	logger *zap.SugaredLogger,
	opts ...Option,
) *Manager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}

	m := &Manager{
		cfg:          cfg,
		bus:          bus,
		logger:       logger,
		metrics:      metrics,
		media:        NewMediaController(source, bus, logger),
		control:      NewControlChannel(bus, metrics, logger),
		quality:      NewQualityMonitor(logger),
		newTransport: NewPionTransport,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize constructs the transport and registers its state handlers.
// Calling it twice without Destroy is an error.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return voiceerr.NewInitializationError(domain.ErrDestroyed, "manager destroyed")
	}
	if m.transport != nil {
		return voiceerr.NewAlreadyInitializedError()
	}

	transport, err := m.newTransport(m.cfg)
	if err != nil {
		return voiceerr.NewInitializationError(err, "failed to construct transport")
	}

	m.sessionID = domain.NewSessionID()
	m.transport = transport
	m.remoteDescSet = false
	m.pending = nil
	m.failed = false

	m.registerHandlers(transport)

	m.logger.Infow("transport initialized",
		"session_id", m.sessionID,
		"ice_servers", len(m.cfg.ICEServers),
		"preferred_codecs", m.cfg.PreferredCodecs,
	)
	return nil
}

// registerHandlers wires the transport's scattered callback surfaces into
// the single event stream. Every handler checks that the transport that
// fired it still owns the session, so completions arriving after EndCall
// are ignored.
func (m *Manager) registerHandlers(transport ports.Transport) {
	transport.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || !m.owns(transport) {
			return
		}
		init := candidate.ToJSON()
		m.emit(domain.EventICECandidate, domain.ICECandidatePayload{
			Candidate: candidateToDomain(init),
		})
	})

	transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if !m.owns(transport) {
			return
		}
		m.logger.Infow("connection state changed", "session_id", m.sessionID, "state", state.String())
		m.metrics.StateTransition(string(domain.StateKindConnection), state.String())
		m.emit(domain.EventConnectionStateChanged, domain.StateChangedPayload{
			Kind:  domain.StateKindConnection,
			State: state.String(),
		})
		if state == webrtc.PeerConnectionStateFailed {
			m.reportFailure("peer connection failed")
		}
	})

	transport.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if !m.owns(transport) {
			return
		}
		m.logger.Infow("ice connection state changed", "session_id", m.sessionID, "state", state.String())
		m.metrics.StateTransition(string(domain.StateKindICE), state.String())
		m.emit(domain.EventConnectionStateChanged, domain.StateChangedPayload{
			Kind:  domain.StateKindICE,
			State: state.String(),
		})
		if state == webrtc.ICEConnectionStateFailed {
			m.reportFailure("ice connectivity failed")
		}
	})

	transport.OnSignalingStateChange(func(state webrtc.SignalingState) {
		if !m.owns(transport) {
			return
		}
		m.metrics.StateTransition(string(domain.StateKindSignaling), state.String())
		m.emit(domain.EventConnectionStateChanged, domain.StateChangedPayload{
			Kind:  domain.StateKindSignaling,
			State: state.String(),
		})
	})

	transport.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if !m.owns(transport) {
			return
		}
		m.media.HandleRemoteTrack(track)

		m.mu.Lock()
		callCtx := m.callCtx
		m.mu.Unlock()
		if receiver != nil && callCtx != nil {
			go m.quality.WatchReceiver(callCtx, receiver)
		}
	})
}

// reportFailure surfaces a transport-level failure as exactly one error
// event per connection. The failure is recoverable: the host may start a
// fresh call, but no reconnection is attempted internally.
func (m *Manager) reportFailure(message string) {
	m.mu.Lock()
	if m.failed {
		m.mu.Unlock()
		return
	}
	m.failed = true
	m.mu.Unlock()

	callErr := voiceerr.NewTransportError(message)
	m.emit(domain.EventError, domain.ErrorPayload{
		Code:        string(callErr.Code),
		Message:     callErr.Message,
		Recoverable: callErr.Recoverable,
		Timestamp:   callErr.Timestamp,
	})
}

// StartCall acquires the microphone, attaches it to the transport and
// opens the control channel. Media acquisition failure is fatal to this
// attempt and is returned, never silently recovered.
func (m *Manager) StartCall(ctx context.Context) error {
	m.mu.Lock()
	if m.transport == nil {
		m.mu.Unlock()
		return voiceerr.NewNegotiationError(domain.ErrNotInitialized, "start call before initialize")
	}
	if m.callActive {
		m.mu.Unlock()
		return voiceerr.NewNegotiationError(domain.ErrCallActive, "call already started")
	}
	transport := m.transport
	m.mu.Unlock()

	if err := m.media.Acquire(ctx, m.cfg.Audio); err != nil {
		return err
	}

	callCtx, callCancel := context.WithCancel(context.Background())

	if err := m.media.Attach(callCtx, transport); err != nil {
		callCancel()
		m.media.Release()
		return err
	}

	if err := m.control.Open(transport, m.cfg.ControlLabel); err != nil {
		callCancel()
		m.media.Release()
		return err
	}

	m.mu.Lock()
	if m.transport != transport {
		// EndCall ran while media was being set up. The session the
		// acquisition was meant for is gone; nothing may be committed
		// on top of it.
		m.mu.Unlock()
		callCancel()
		m.media.Release()
		m.control.Close()
		return voiceerr.NewNegotiationError(domain.ErrCallEnded, "call ended during setup")
	}
	m.callActive = true
	m.callStart = time.Now()
	m.callCtx = callCtx
	m.callCancel = callCancel
	m.mu.Unlock()

	m.metrics.CallStarted()
	m.emit(domain.EventCallStarted, domain.CallStartedPayload{
		TrackID: m.media.LocalTrackID(),
	})
	return nil
}

// CreateOffer produces a local session description and sets it locally.
// The host relays the returned description over its signaling channel.
func (m *Manager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return m.createDescription(ctx, "offer")
}

// CreateAnswer produces an answer to a previously applied remote offer
func (m *Manager) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return m.createDescription(ctx, "answer")
}

func (m *Manager) createDescription(ctx context.Context, kind string) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == nil {
		return webrtc.SessionDescription{}, voiceerr.NewNegotiationError(domain.ErrNotInitialized, "negotiate before initialize")
	}
	if m.transport.SignalingState() == webrtc.SignalingStateClosed {
		return webrtc.SessionDescription{}, voiceerr.NewNegotiationError(nil, "cannot negotiate on a closed connection")
	}

	start := time.Now()
	var desc webrtc.SessionDescription
	var err error
	if kind == "offer" {
		desc, err = m.transport.CreateOffer(nil)
	} else {
		desc, err = m.transport.CreateAnswer(nil)
	}
	if err != nil {
		return webrtc.SessionDescription{}, voiceerr.NewNegotiationError(err, "failed to create "+kind)
	}

	if err := m.transport.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, voiceerr.NewNegotiationError(err, "failed to set local "+kind)
	}

	m.metrics.ObserveNegotiation("create_"+kind, time.Since(start))
	return desc, nil
}

// SetRemoteDescription applies the remote peer's description, then
// flushes queued ICE candidates in arrival order. A failure applying one
// queued candidate is non-fatal; the rest of the queue is still applied.
func (m *Manager) SetRemoteDescription(ctx context.Context, desc webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == nil {
		return voiceerr.NewNegotiationError(domain.ErrNotInitialized, "negotiate before initialize")
	}

	start := time.Now()
	if err := m.transport.SetRemoteDescription(desc); err != nil {
		return voiceerr.NewNegotiationError(err, "failed to set remote description")
	}
	m.remoteDescSet = true
	m.metrics.ObserveNegotiation("set_remote_description", time.Since(start))

	flushed := m.pending
	m.pending = nil
	for _, candidate := range flushed {
		if err := m.transport.AddICECandidate(candidate); err != nil {
			// The call may still succeed on the remaining candidates
			m.logger.Warnw("failed to apply queued candidate",
				"session_id", m.sessionID,
				"candidate", candidate.Candidate,
				"error", err,
			)
		}
	}
	if len(flushed) > 0 {
		m.logger.Debugw("flushed pending candidates", "session_id", m.sessionID, "count", len(flushed))
		m.metrics.CandidatesFlushed(len(flushed))
	}
	return nil
}

// AddICECandidate applies a remote candidate, or queues it when the
// remote description has not been set yet. Candidates are never applied
// before a remote description exists.
func (m *Manager) AddICECandidate(candidate domain.ICECandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transport == nil {
		return voiceerr.NewNegotiationError(domain.ErrNotInitialized, "candidate before initialize")
	}

	init := candidateFromDomain(candidate)
	if !m.remoteDescSet {
		m.pending = append(m.pending, init)
		m.metrics.CandidateQueued()
		m.logger.Debugw("queued candidate until remote description",
			"session_id", m.sessionID,
			"queued", len(m.pending),
		)
		return nil
	}

	if err := m.transport.AddICECandidate(init); err != nil {
		return voiceerr.NewNegotiationError(err, "failed to apply candidate")
	}
	return nil
}

// SendMessage delegates to the control channel. Messages sent while the
// channel is not open are dropped with a warning; retry policy belongs to
// the application layer.
func (m *Manager) SendMessage(message domain.ControlMessage) error {
	return m.control.Send(message)
}

// SetMicrophoneMuted toggles the outbound audio gate
func (m *Manager) SetMicrophoneMuted(muted bool) {
	m.media.SetMuted(muted)
}

// IsMicrophoneMuted reports the outbound audio gate state
func (m *Manager) IsMicrophoneMuted() bool {
	return m.media.IsMuted()
}

// SetMicrophoneVolume adjusts capture gain
func (m *Manager) SetMicrophoneVolume(volume float64) {
	m.media.SetVolume(volume)
}

// ConnectionStats returns a transport statistics snapshot, or nil when no
// transport exists.
func (m *Manager) ConnectionStats() *domain.ConnectionStatsSnapshot {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	return m.quality.Snapshot(transport)
}

// AudioStats returns the audio-only statistics view, or nil when no
// transport exists.
func (m *Manager) AudioStats() *domain.AudioStats {
	m.mu.Lock()
	transport := m.transport
	m.mu.Unlock()
	return m.quality.AudioSnapshot(transport)
}

// RemoteStream returns the inbound stream, or nil before it arrives
func (m *Manager) RemoteStream() *RemoteStream {
	return m.media.RemoteStream()
}

// SessionID identifies the current connection, or "" before Initialize
func (m *Manager) SessionID() domain.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// EndCall releases all local media, closes the control channel and the
// transport, and resets to the pre-call state. Idempotent: ending an
// already-ended call is a no-op.
func (m *Manager) EndCall() {
	m.mu.Lock()
	if m.transport == nil && !m.callActive {
		m.mu.Unlock()
		return
	}
	transport := m.transport
	callCancel := m.callCancel
	wasActive := m.callActive
	callStart := m.callStart
	sessionID := m.sessionID
	m.transport = nil
	m.callActive = false
	m.callCtx = nil
	m.callCancel = nil
	m.remoteDescSet = false
	m.pending = nil
	m.mu.Unlock()

	if callCancel != nil {
		callCancel()
	}

	m.media.Release()
	m.control.Close()

	if transport != nil {
		if err := transport.Close(); err != nil {
			m.logger.Warnw("failed to close transport", "session_id", sessionID, "error", err)
		}
	}

	m.quality.Reset()

	if wasActive {
		m.metrics.CallEnded(time.Since(callStart))
		m.logger.Infow("call ended", "session_id", sessionID)
		m.emit(domain.EventCallEnded, domain.CallEndedPayload{})
	}
}

// Destroy ends the call and clears every registered listener. The manager
// is terminal afterwards; no further operations are valid.
func (m *Manager) Destroy() {
	m.EndCall()

	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()

	m.bus.Reset()
}

// owns reports whether the given transport still drives this session.
// Callbacks from a transport replaced or closed by EndCall are ignored.
func (m *Manager) owns(transport ports.Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transport == transport
}

func (m *Manager) emit(eventType domain.EventType, payload any) {
	m.mu.Lock()
	sessionID := m.sessionID
	m.mu.Unlock()

	m.bus.Emit(domain.Event{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   payload,
	})
}

func candidateToDomain(init webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func candidateFromDomain(candidate domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        candidate.Candidate,
		SDPMid:           candidate.SDPMid,
		SDPMLineIndex:    candidate.SDPMLineIndex,
		UsernameFragment: candidate.UsernameFragment,
	}
}
