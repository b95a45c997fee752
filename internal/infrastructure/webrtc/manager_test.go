package webrtc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	voiceerr "voicelink/pkg/errors"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func remoteCandidate(n int) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2130706431 192.0.2.%d 3478 typ host", n, n),
		SDPMid:    strPtr("0"),
	}
}

func TestManager_InitializeTwiceFails(t *testing.T) {
	f := newManagerFixture()

	require.NoError(t, f.manager.Initialize(context.Background()))

	err := f.manager.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, voiceerr.HasCode(err, voiceerr.ErrCodeAlreadyInitialized))
}

func TestManager_InitializeAssignsSessionID(t *testing.T) {
	f := newManagerFixture()

	assert.Empty(t, f.manager.SessionID())
	require.NoError(t, f.manager.Initialize(context.Background()))
	assert.NotEmpty(t, f.manager.SessionID())
}

func TestManager_InitializePropagatesFactoryFailure(t *testing.T) {
	logger := zapNop()
	bus := newNopBus()
	manager := NewManager(domain.CallConfig{}, newFakeMediaSource(), bus, nil, logger,
		WithTransportFactory(func(domain.CallConfig) (ports.Transport, error) {
			return nil, fmt.Errorf("no network")
		}),
	)

	err := manager.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, voiceerr.HasCode(err, voiceerr.ErrCodeInitialization))
}

func TestManager_StartCallBeforeInitializeFails(t *testing.T) {
	f := newManagerFixture()

	err := f.manager.StartCall(context.Background())
	require.Error(t, err)
	assert.True(t, voiceerr.HasCode(err, voiceerr.ErrCodeNegotiation))
}

func TestManager_StartCallAttachesMediaAndOpensControl(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	require.NoError(t, f.manager.StartCall(context.Background()))
	defer f.manager.EndCall()

	assert.Len(t, f.transport.addedTracks, 1)
	assert.Equal(t, "control", f.transport.channelLabel)
	assert.Len(t, f.recorder.ofType(domain.EventCallStarted), 1)
}

func TestManager_StartCallTwiceFails(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	require.NoError(t, f.manager.StartCall(context.Background()))
	defer f.manager.EndCall()

	err := f.manager.StartCall(context.Background())
	require.Error(t, err)
}

func TestManager_StartCallMediaFailureIsFatalToAttempt(t *testing.T) {
	f := newManagerFixture()
	f.source.acquireErr = fmt.Errorf("device busy")
	require.NoError(t, f.manager.Initialize(context.Background()))

	err := f.manager.StartCall(context.Background())
	require.Error(t, err)
	assert.True(t, voiceerr.HasCode(err, voiceerr.ErrCodeMediaAcquisition))
	assert.Empty(t, f.recorder.ofType(domain.EventCallStarted))

	// The failed attempt must not leak a held capture
	f.source.acquireErr = nil
	assert.NoError(t, f.manager.StartCall(context.Background()))
	f.manager.EndCall()
}

func TestManager_CandidatesQueuedUntilRemoteDescription(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	for i := 1; i <= 3; i++ {
		require.NoError(t, f.manager.AddICECandidate(remoteCandidate(i)))
	}
	assert.Empty(t, f.transport.appliedCandidates(), "no candidate may reach the transport before the remote description")

	require.NoError(t, f.manager.SetRemoteDescription(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0 remote",
	}))

	applied := f.transport.appliedCandidates()
	require.Len(t, applied, 3)
	for i, candidate := range applied {
		assert.Equal(t, remoteCandidate(i+1).Candidate, candidate.Candidate, "flush must preserve arrival order")
	}
}

func TestManager_CandidateAppliedDirectlyAfterRemoteDescription(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	require.NoError(t, f.manager.SetRemoteDescription(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0 remote",
	}))

	require.NoError(t, f.manager.AddICECandidate(remoteCandidate(1)))
	assert.Len(t, f.transport.appliedCandidates(), 1)
}

func TestManager_QueuedCandidateFailureDoesNotAbortFlush(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	first := remoteCandidate(1)
	f.transport.addCandidateErr = func(c webrtc.ICECandidateInit) error {
		if c.Candidate == first.Candidate {
			return fmt.Errorf("unsupported candidate")
		}
		return nil
	}

	require.NoError(t, f.manager.AddICECandidate(first))
	require.NoError(t, f.manager.AddICECandidate(remoteCandidate(2)))
	require.NoError(t, f.manager.AddICECandidate(remoteCandidate(3)))

	require.NoError(t, f.manager.SetRemoteDescription(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0 remote",
	}))

	applied := f.transport.appliedCandidates()
	require.Len(t, applied, 2)
	assert.Equal(t, remoteCandidate(2).Candidate, applied[0].Candidate)
	assert.Equal(t, remoteCandidate(3).Candidate, applied[1].Candidate)
}

func TestManager_AddCandidateBeforeInitializeFails(t *testing.T) {
	f := newManagerFixture()

	err := f.manager.AddICECandidate(remoteCandidate(1))
	require.Error(t, err)
	assert.True(t, voiceerr.HasCode(err, voiceerr.ErrCodeNegotiation))
}

func TestManager_CreateOfferSetsLocalDescription(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	offer, err := f.manager.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	require.Len(t, f.transport.localDescriptions, 1)
	assert.Equal(t, offer, f.transport.localDescriptions[0])
}

func TestManager_CreateAnswerAfterRemoteOffer(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	require.NoError(t, f.manager.SetRemoteDescription(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0 remote",
	}))

	answer, err := f.manager.CreateAnswer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
}

func TestManager_NegotiationOnClosedConnectionFails(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	f.transport.signalingState = webrtc.SignalingStateClosed

	_, err := f.manager.CreateOffer(context.Background())
	require.Error(t, err)
	assert.True(t, voiceerr.HasCode(err, voiceerr.ErrCodeNegotiation))
}

func TestManager_CreateOfferFailureWrapsCause(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	f.transport.createOfferErr = fmt.Errorf("sdp generation failed")

	_, err := f.manager.CreateOffer(context.Background())
	require.Error(t, err)
	assert.True(t, voiceerr.HasCode(err, voiceerr.ErrCodeNegotiation))
	assert.Contains(t, err.Error(), "sdp generation failed")
}

func TestManager_TransportFailureEmitsSingleErrorEvent(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	f.transport.onConnectionState(webrtc.PeerConnectionStateFailed)
	f.transport.onICEConnectionState(webrtc.ICEConnectionStateFailed)

	errs := f.recorder.ofType(domain.EventError)
	require.Len(t, errs, 1, "one connection failure must produce exactly one error event")

	payload, ok := errs[0].Payload.(domain.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, string(voiceerr.ErrCodeTransport), payload.Code)
	assert.True(t, payload.Recoverable)
}

func TestManager_StateChangesAreAnnounced(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	f.transport.onConnectionState(webrtc.PeerConnectionStateConnecting)
	f.transport.onICEConnectionState(webrtc.ICEConnectionStateChecking)
	f.transport.onSignalingState(webrtc.SignalingStateHaveLocalOffer)

	changes := f.recorder.ofType(domain.EventConnectionStateChanged)
	require.Len(t, changes, 3)

	kinds := make([]domain.StateKind, 0, 3)
	for _, event := range changes {
		payload, ok := event.Payload.(domain.StateChangedPayload)
		require.True(t, ok)
		kinds = append(kinds, payload.Kind)
	}
	assert.Equal(t, []domain.StateKind{
		domain.StateKindConnection,
		domain.StateKindICE,
		domain.StateKindSignaling,
	}, kinds)
}

func TestManager_StaleTransportCallbacksIgnoredAfterEndCall(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	onState := f.transport.onConnectionState
	f.manager.EndCall()
	before := len(f.recorder.ofType(domain.EventConnectionStateChanged))

	onState(webrtc.PeerConnectionStateFailed)

	assert.Len(t, f.recorder.ofType(domain.EventConnectionStateChanged), before)
	assert.Empty(t, f.recorder.ofType(domain.EventError))
}

func TestManager_EndCallIsIdempotent(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	require.NoError(t, f.manager.StartCall(context.Background()))

	f.manager.EndCall()
	f.manager.EndCall()

	assert.Equal(t, 1, f.transport.closeCalls)
	assert.Len(t, f.recorder.ofType(domain.EventCallEnded), 1)
}

func TestManager_EndCallReleasesMedia(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	require.NoError(t, f.manager.StartCall(context.Background()))
	f.manager.SetMicrophoneMuted(true)

	f.manager.EndCall()

	assert.True(t, f.source.capture.isClosed())
	assert.False(t, f.manager.IsMicrophoneMuted(), "mute state must not survive the call")
}

func TestManager_EndCallClearsQualityState(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	require.NoError(t, f.manager.StartCall(context.Background()))

	f.manager.quality.processRTCP([]rtcp.Packet{
		&rtcp.ReceiverReport{
			Reports: []rtcp.ReceptionReport{{FractionLost: 255, Jitter: 480}},
		},
	})
	require.NotZero(t, f.manager.quality.FractionLost())

	f.manager.EndCall()
	require.NoError(t, f.manager.Initialize(context.Background()))

	stats := f.manager.ConnectionStats()
	require.NotNil(t, stats)
	assert.Zero(t, stats.Inbound.Jitter, "a fresh session must not inherit rtcp state")
}

func TestManager_EndCallWithoutStartEmitsNoCallEnded(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	f.manager.EndCall()

	assert.Equal(t, 1, f.transport.closeCalls)
	assert.Empty(t, f.recorder.ofType(domain.EventCallEnded))
}

func TestManager_EndCallNotBlockedByPendingAcquisition(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	f.source.gate = make(chan struct{})

	startErr := make(chan error, 1)
	go func() { startErr <- f.manager.StartCall(context.Background()) }()

	require.Eventually(t, func() bool {
		return f.source.acquireCalls.Load() > 0
	}, time.Second, time.Millisecond)

	endDone := make(chan struct{})
	go func() {
		f.manager.EndCall()
		close(endDone)
	}()
	select {
	case <-endDone:
	case <-time.After(time.Second):
		t.Fatal("EndCall must not wait for the device request")
	}

	close(f.source.gate)

	select {
	case err := <-startErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("StartCall did not return after the device request completed")
	}

	assert.True(t, f.source.capture.isClosed(), "late capture must be closed")
	assert.Empty(t, f.transport.addedTracks)
	assert.Empty(t, f.recorder.ofType(domain.EventCallStarted))
}

func TestManager_EndCallDuringSetupIsNotCommitted(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	// The remote hangs up while the control channel is still being set up
	f.transport.createChannelHook = func() { f.manager.EndCall() }

	err := f.manager.StartCall(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCallEnded)

	assert.True(t, f.source.capture.isClosed())
	assert.Empty(t, f.recorder.ofType(domain.EventCallStarted))
	assert.Nil(t, f.manager.ConnectionStats())
}

func TestManager_StatsNilWithoutTransport(t *testing.T) {
	f := newManagerFixture()

	assert.Nil(t, f.manager.ConnectionStats())
	assert.Nil(t, f.manager.AudioStats())
}

func TestManager_StatsAvailableAfterInitialize(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))

	assert.NotNil(t, f.manager.ConnectionStats())
	assert.NotNil(t, f.manager.AudioStats())
}

func TestManager_SendMessageWithoutOpenChannelIsDropped(t *testing.T) {
	f := newManagerFixture()

	err := f.manager.SendMessage(domain.ControlMessage{Type: "chat"})
	assert.NoError(t, err, "dropping must not surface as an error")
}

func TestManager_DestroyIsTerminal(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	require.NoError(t, f.manager.StartCall(context.Background()))

	f.manager.Destroy()

	err := f.manager.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, voiceerr.HasCode(err, voiceerr.ErrCodeInitialization))

	// Listeners are gone; further emissions reach nobody
	before := len(f.recorder.ofType(domain.EventMicrophoneMuted))
	f.manager.SetMicrophoneMuted(true)
	assert.Len(t, f.recorder.ofType(domain.EventMicrophoneMuted), before)
}

func TestManager_FullNegotiationScenario(t *testing.T) {
	f := newManagerFixture()
	ctx := context.Background()

	require.NoError(t, f.manager.Initialize(ctx))
	require.NoError(t, f.manager.StartCall(ctx))
	defer f.manager.EndCall()

	offer, err := f.manager.CreateOffer(ctx)
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)

	// Remote candidates trickle in while the answer is still in flight
	require.NoError(t, f.manager.AddICECandidate(remoteCandidate(1)))
	require.NoError(t, f.manager.AddICECandidate(remoteCandidate(2)))
	require.Empty(t, f.transport.appliedCandidates())

	require.NoError(t, f.manager.SetRemoteDescription(ctx, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0 remote answer",
	}))

	applied := f.transport.appliedCandidates()
	require.Len(t, applied, 2)
	assert.Equal(t, remoteCandidate(1).Candidate, applied[0].Candidate)
	assert.Equal(t, remoteCandidate(2).Candidate, applied[1].Candidate)
}

func TestManager_MuteAndVolumeDelegation(t *testing.T) {
	f := newManagerFixture()
	require.NoError(t, f.manager.Initialize(context.Background()))
	require.NoError(t, f.manager.StartCall(context.Background()))
	defer f.manager.EndCall()

	assert.False(t, f.manager.IsMicrophoneMuted())
	f.manager.SetMicrophoneMuted(true)
	assert.True(t, f.manager.IsMicrophoneMuted())

	f.manager.SetMicrophoneVolume(0.5)
	assert.InDelta(t, 0.5, f.source.capture.Gain(), 1e-9)
}
