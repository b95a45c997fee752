package webrtc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/events"
	"voicelink/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

func zapNop() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func newNopBus() *events.Bus { return events.NewBus(zapNop()) }

// fakeTransport implements ports.Transport, recording every call so tests
// can assert on negotiation order.
type fakeTransport struct {
	mu sync.Mutex

	offer  webrtc.SessionDescription
	answer webrtc.SessionDescription

	createOfferErr    error
	createAnswerErr   error
	setLocalErr       error
	setRemoteErr      error
	addCandidateErr   func(webrtc.ICECandidateInit) error
	addTrackErr       error
	createChannelErr  error
	createChannelHook func()
	closeErr          error
	signalingState    webrtc.SignalingState
	stats             webrtc.StatsReport
	localDescriptions []webrtc.SessionDescription
	remoteDescription *webrtc.SessionDescription
	applied           []webrtc.ICECandidateInit
	addedTracks       []webrtc.TrackLocal
	channel           *fakeDataChannel
	channelLabel      string
	closeCalls        int

	onICECandidate       func(*webrtc.ICECandidate)
	onTrack              func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onConnectionState    func(webrtc.PeerConnectionState)
	onICEConnectionState func(webrtc.ICEConnectionState)
	onSignalingState     func(webrtc.SignalingState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		offer:  webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
		answer: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	}
}

func (t *fakeTransport) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if t.createOfferErr != nil {
		return webrtc.SessionDescription{}, t.createOfferErr
	}
	return t.offer, nil
}

func (t *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	if t.createAnswerErr != nil {
		return webrtc.SessionDescription{}, t.createAnswerErr
	}
	return t.answer, nil
}

func (t *fakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	if t.setLocalErr != nil {
		return t.setLocalErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDescriptions = append(t.localDescriptions, desc)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if t.setRemoteErr != nil {
		return t.setRemoteErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteDescription = &desc
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if t.addCandidateErr != nil {
		if err := t.addCandidateErr(candidate); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, candidate)
	return nil
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	if t.addTrackErr != nil {
		return nil, t.addTrackErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addedTracks = append(t.addedTracks, track)
	return nil, nil
}

func (t *fakeTransport) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (ports.DataChannel, error) {
	if t.createChannelErr != nil {
		return nil, t.createChannelErr
	}
	if t.createChannelHook != nil {
		t.createChannelHook()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channelLabel = label
	if t.channel == nil {
		t.channel = newFakeDataChannel(label)
	}
	return t.channel, nil
}

func (t *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) { t.onICECandidate = fn }
func (t *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.onTrack = fn
}
func (t *fakeTransport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.onConnectionState = fn
}
func (t *fakeTransport) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	t.onICEConnectionState = fn
}
func (t *fakeTransport) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	t.onSignalingState = fn
}

func (t *fakeTransport) SignalingState() webrtc.SignalingState {
	return t.signalingState
}

func (t *fakeTransport) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateNew
}

func (t *fakeTransport) GetStats() webrtc.StatsReport {
	if t.stats == nil {
		return webrtc.StatsReport{}
	}
	return t.stats
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	return t.closeErr
}

func (t *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(t.applied))
	copy(out, t.applied)
	return out
}

// fakeDataChannel implements ports.DataChannel
type fakeDataChannel struct {
	mu sync.Mutex

	label   string
	state   webrtc.DataChannelState
	sent    []string
	sendErr error
	closed  bool

	onOpen    func()
	onMessage func(webrtc.DataChannelMessage)
	onClose   func()
	onError   func(error)
}

func newFakeDataChannel(label string) *fakeDataChannel {
	return &fakeDataChannel{label: label, state: webrtc.DataChannelStateOpen}
}

func (d *fakeDataChannel) Label() string { return d.label }

func (d *fakeDataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDataChannel) SendText(s string) error {
	if d.sendErr != nil {
		return d.sendErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, s)
	return nil
}

func (d *fakeDataChannel) OnOpen(fn func())                            { d.onOpen = fn }
func (d *fakeDataChannel) OnMessage(fn func(webrtc.DataChannelMessage)) { d.onMessage = fn }
func (d *fakeDataChannel) OnClose(fn func())                           { d.onClose = fn }
func (d *fakeDataChannel) OnError(fn func(error))                      { d.onError = fn }

func (d *fakeDataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.state = webrtc.DataChannelStateClosed
	return nil
}

func (d *fakeDataChannel) sentMessages() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	copy(out, d.sent)
	return out
}

// fakeMediaSource implements ports.MediaSource. A non-nil gate parks
// AcquireAudio until the gate closes, standing in for a slow device
// request.
type fakeMediaSource struct {
	capture      *fakeCapture
	acquireErr   error
	gate         chan struct{}
	acquireCalls atomic.Int32
}

func newFakeMediaSource() *fakeMediaSource {
	return &fakeMediaSource{capture: newFakeCapture()}
}

func (s *fakeMediaSource) AcquireAudio(ctx context.Context, _ domain.AudioConstraints) (ports.AudioCapture, error) {
	s.acquireCalls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s.capture, nil
}

// fakeCapture implements ports.AudioCapture
type fakeCapture struct {
	mu     sync.Mutex
	gain   float64
	closed bool
	reader *fakeRTPReader
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{gain: 1.0, reader: newFakeRTPReader()}
}

func (c *fakeCapture) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}
}

func (c *fakeCapture) NewReader(int) (ports.RTPReader, error) {
	return c.reader, nil
}

func (c *fakeCapture) SetGain(gain float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gain = gain
}

func (c *fakeCapture) Gain() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gain
}

func (c *fakeCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reader.Close()
	return nil
}

func (c *fakeCapture) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeRTPReader feeds packet batches from a channel. Close drains Read
// with io.EOF, mirroring a stopped capture. Released counts batches the
// consumer finished with, letting tests synchronize on consumption.
type fakeRTPReader struct {
	batches   chan []*rtp.Packet
	closeOnce sync.Once
	doneCh    chan struct{}
	released  atomic.Int32
}

func newFakeRTPReader() *fakeRTPReader {
	return &fakeRTPReader{
		batches: make(chan []*rtp.Packet, 16),
		doneCh:  make(chan struct{}),
	}
}

func (r *fakeRTPReader) feed(packets ...*rtp.Packet) {
	r.batches <- packets
}

func (r *fakeRTPReader) releasedCount() int {
	return int(r.released.Load())
}

func (r *fakeRTPReader) Read() ([]*rtp.Packet, func(), error) {
	select {
	case <-r.doneCh:
		return nil, nil, io.EOF
	case batch := <-r.batches:
		return batch, func() { r.released.Add(1) }, nil
	}
}

func (r *fakeRTPReader) Close() error {
	r.closeOnce.Do(func() { close(r.doneCh) })
	return nil
}

// recordingWriter implements rtpWriter for direct pump tests
type recordingWriter struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (w *recordingWriter) WriteRTP(p *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.packets = append(w.packets, p)
	return nil
}

func (w *recordingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.packets)
}

// eventRecorder collects bus events for assertion
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) listen(event domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) ofType(eventType domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type managerFixture struct {
	manager   *Manager
	transport *fakeTransport
	source    *fakeMediaSource
	bus       *events.Bus
	recorder  *eventRecorder
}

func newManagerFixture() *managerFixture {
	logger := zap.NewNop().Sugar()
	bus := events.NewBus(logger)
	recorder := &eventRecorder{}
	bus.Subscribe(recorder.listen)

	transport := newFakeTransport()
	source := newFakeMediaSource()

	cfg := domain.CallConfig{
		ICEServers:      []domain.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
		PreferredCodecs: []string{"opus"},
		Audio:           domain.DefaultAudioConstraints(),
		ControlLabel:    "control",
	}

	manager := NewManager(cfg, source, bus, nil, logger,
		WithTransportFactory(func(domain.CallConfig) (ports.Transport, error) {
			return transport, nil
		}),
	)

	return &managerFixture{
		manager:   manager,
		transport: transport,
		source:    source,
		bus:       bus,
		recorder:  recorder,
	}
}
