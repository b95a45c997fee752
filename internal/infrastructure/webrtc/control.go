package webrtc

import (
	"encoding/json"
	"sync"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/events"
	"voicelink/internal/core/ports"
	voiceerr "voicelink/pkg/errors"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// DefaultControlLabel is used when the config leaves the label empty
const DefaultControlLabel = "control"

// ControlChannel is the ordered, reliable side-channel for small
// structured messages, layered over the same transport as the audio.
// Channel failures never tear down the audio path.
type ControlChannel struct {
	bus     *events.Bus
	logger  *zap.SugaredLogger
	metrics ports.MetricsSink

	mu sync.Mutex
	dc ports.DataChannel
}

// NewControlChannel creates an unopened control channel
func NewControlChannel(bus *events.Bus, metrics ports.MetricsSink, logger *zap.SugaredLogger) *ControlChannel {
	return &ControlChannel{
		bus:     bus,
		logger:  logger,
		metrics: metrics,
	}
}

// Open creates the ordered data channel on the transport. Pion channels
// are ordered and reliable by default, which is exactly the delivery
// contract the control path needs.
func (c *ControlChannel) Open(transport ports.Transport, label string) error {
	if label == "" {
		label = DefaultControlLabel
	}

	dc, err := transport.CreateDataChannel(label, nil)
	if err != nil {
		return voiceerr.NewControlChannelError(err, "failed to create control channel")
	}

	dc.OnOpen(func() {
		c.logger.Infow("control channel open", "label", dc.Label())
		c.bus.Emit(domain.Event{
			Type:    domain.EventDataChannelOpen,
			Payload: domain.DataChannelOpenPayload{Label: dc.Label()},
		})
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.handleRaw(dc.Label(), msg.Data)
	})

	dc.OnClose(func() {
		c.logger.Infow("control channel closed", "label", dc.Label())
	})

	dc.OnError(func(err error) {
		// Non-fatal: the audio path is independent of the control channel
		c.logger.Warnw("control channel error", "label", dc.Label(), "error", err)
	})

	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
	return nil
}

// Send serializes the message and transmits it if the channel is open.
// Anything else is a warn-and-drop: stale control messages must not be
// replayed after reconnection, so there is no implicit queueing.
func (c *ControlChannel) Send(message domain.ControlMessage) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		c.logger.Warnw("control channel not open, dropping message", "message_type", message.Type)
		return nil
	}

	data, err := json.Marshal(message)
	if err != nil {
		return voiceerr.NewControlChannelError(err, "failed to serialize control message")
	}

	if err := dc.SendText(string(data)); err != nil {
		return voiceerr.NewControlChannelError(err, "failed to send control message")
	}

	c.metrics.ControlMessage("outbound")
	return nil
}

// handleRaw parses an inbound payload. Malformed payloads are logged and
// dropped; they never crash the channel.
func (c *ControlChannel) handleRaw(label string, data []byte) {
	var message domain.ControlMessage
	if err := json.Unmarshal(data, &message); err != nil {
		c.logger.Warnw("dropping malformed control message", "label", label, "error", err)
		return
	}
	if message.Type == "" {
		c.logger.Warnw("dropping control message without type", "label", label)
		return
	}

	c.metrics.ControlMessage("inbound")
	c.bus.Emit(domain.Event{
		Type: domain.EventDataChannelMessage,
		Payload: domain.DataChannelMessagePayload{
			Label:   label,
			Message: message,
		},
	})
}

// IsOpen reports whether the channel is ready to transmit
func (c *ControlChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc != nil && c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Close tears the channel down and resets it to its unopened state
func (c *ControlChannel) Close() {
	c.mu.Lock()
	dc := c.dc
	c.dc = nil
	c.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			c.logger.Warnw("failed to close control channel", "error", err)
		}
	}
}
