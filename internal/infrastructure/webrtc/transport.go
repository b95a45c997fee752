package webrtc

import (
	"fmt"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// TransportFactory builds a fresh transport per session. Overridable in
// tests via WithTransportFactory.
type TransportFactory func(cfg domain.CallConfig) (ports.Transport, error)

// pionTransport adapts *webrtc.PeerConnection to ports.Transport
type pionTransport struct {
	pc *webrtc.PeerConnection
}

// NewPionTransport constructs a peer connection from the call config:
// ICE servers, ephemeral port range and preferred codec list.
func NewPionTransport(cfg domain.CallConfig) (ports.Transport, error) {
	mediaEngine, err := newMediaEngine(cfg.PreferredCodecs)
	if err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   toPionICEServers(cfg.ICEServers),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, err
	}

	return &pionTransport{pc: pc}, nil
}

func toPionICEServers(servers []domain.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func (t *pionTransport) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(options)
}

func (t *pionTransport) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(options)
}

func (t *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(desc)
}

func (t *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(desc)
}

func (t *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

func (t *pionTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return t.pc.AddTrack(track)
}

func (t *pionTransport) CreateDataChannel(label string, options *webrtc.DataChannelInit) (ports.DataChannel, error) {
	return t.pc.CreateDataChannel(label, options)
}

func (t *pionTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

func (t *pionTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.pc.OnTrack(fn)
}

func (t *pionTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.pc.OnConnectionStateChange(fn)
}

func (t *pionTransport) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	t.pc.OnICEConnectionStateChange(fn)
}

func (t *pionTransport) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	t.pc.OnSignalingStateChange(fn)
}

func (t *pionTransport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *pionTransport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

func (t *pionTransport) GetStats() webrtc.StatsReport {
	return t.pc.GetStats()
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}
