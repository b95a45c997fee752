package ports

import (
	"github.com/pion/webrtc/v3"
)

// Transport is the two-party media/control transport owned by the
// connection manager. It narrows *webrtc.PeerConnection to what the
// manager actually drives so tests can substitute a fake.
type Transport interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error)

	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnSignalingStateChange(fn func(webrtc.SignalingState))

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	GetStats() webrtc.StatsReport

	Close() error
}

// DataChannel narrows *webrtc.DataChannel to the ordered, reliable
// control-channel surface.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(fn func())
	OnMessage(fn func(webrtc.DataChannelMessage))
	OnClose(fn func())
	OnError(fn func(err error))
	Close() error
}
