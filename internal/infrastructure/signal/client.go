package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/events"
	vlwebrtc "voicelink/internal/infrastructure/webrtc"
	vllog "voicelink/pkg/logger"
	"voicelink/pkg/retry"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds signaling relay settings
type Config struct {
	URL                 string
	TokenSecret         string
	TokenTTL            time.Duration
	DialTimeout         time.Duration
	WriteTimeout        time.Duration
	CandidatesPerSecond float64
	CandidateBurst      int
}

// Client relays negotiation payloads between the connection manager and
// the external signaling service. The signaling service itself is a
// separate system; this adapter only translates manager events to wire
// envelopes and inbound envelopes to manager calls.
type Client struct {
	cfg     Config
	manager *vlwebrtc.Manager
	bus     *events.Bus
	logger  *zap.SugaredLogger
	clog    *vllog.ContextLogger
	tracer  trace.Tracer
	limiter *rate.Limiter

	mu     sync.Mutex
	conn   *websocket.Conn
	subID  int
	outbox chan Envelope
	done   chan struct{}

	// write is swapped out in tests
	write func(Envelope) error
}

// NewClient creates a signaling relay client
func NewClient(cfg Config, manager *vlwebrtc.Manager, bus *events.Bus, logger *zap.SugaredLogger) *Client {
	if cfg.CandidatesPerSecond <= 0 {
		cfg.CandidatesPerSecond = 20
	}
	if cfg.CandidateBurst <= 0 {
		cfg.CandidateBurst = 40
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}

	c := &Client{
		cfg:     cfg,
		manager: manager,
		bus:     bus,
		logger:  logger,
		clog:    vllog.NewContextLogger(logger.Desugar()),
		tracer:  otel.Tracer("voicelink/signal"),
		limiter: rate.NewLimiter(rate.Limit(cfg.CandidatesPerSecond), cfg.CandidateBurst),
	}
	c.write = c.writeEnvelope
	return c
}

// Connect dials the signaling service with backoff, then starts relaying:
// manager events flow out, inbound envelopes drive the manager.
func (c *Client) Connect(ctx context.Context) error {
	token, err := c.accessToken()
	if err != nil {
		return fmt.Errorf("failed to mint signaling token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	var conn *websocket.Conn
	err = retry.Retry(ctx, retry.DefaultConfig(), func() error {
		var dialErr error
		conn, _, dialErr = dialer.DialContext(ctx, c.cfg.URL, header)
		return dialErr
	})
	if err != nil {
		return fmt.Errorf("failed to dial signaling service %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.outbox = make(chan Envelope, 64)
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.subID = c.bus.Subscribe(c.onEvent)

	go c.writeLoop(ctx)
	go c.readLoop(ctx)

	c.logger.Infow("connected to signaling service", "url", c.cfg.URL)
	return nil
}

// accessToken mints a short-lived HS256 token for the signaling dial
func (c *Client) accessToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "voicelink",
		"iat": now.Unix(),
		"exp": now.Add(c.cfg.TokenTTL).Unix(),
	})
	return token.SignedString([]byte(c.cfg.TokenSecret))
}

// onEvent relays bus events the remote peer needs to see
func (c *Client) onEvent(event domain.Event) {
	switch event.Type {
	case domain.EventICECandidate:
		payload, ok := event.Payload.(domain.ICECandidatePayload)
		if !ok {
			return
		}
		env, err := newEnvelope(TypeCandidate, string(event.SessionID), CandidatePayload{
			Candidate:        payload.Candidate.Candidate,
			SDPMid:           payload.Candidate.SDPMid,
			SDPMLineIndex:    payload.Candidate.SDPMLineIndex,
			UsernameFragment: payload.Candidate.UsernameFragment,
		})
		if err != nil {
			c.logger.Warnw("failed to encode candidate", "error", err)
			return
		}
		c.enqueue(env)

	case domain.EventCallEnded:
		env, err := newEnvelope(TypeHangup, string(event.SessionID), struct{}{})
		if err != nil {
			return
		}
		c.enqueue(env)
	}
}

// enqueue hands an envelope to the single writer. A full outbox drops the
// envelope with a warning rather than blocking the event bus.
func (c *Client) enqueue(env Envelope) {
	c.mu.Lock()
	outbox := c.outbox
	c.mu.Unlock()
	if outbox == nil {
		return
	}

	select {
	case outbox <- env:
	default:
		c.logger.Warnw("signaling outbox full, dropping envelope", "type", env.Type)
	}
}

// writeLoop is the only goroutine writing to the socket, preserving
// envelope order. Candidate relays are rate limited.
func (c *Client) writeLoop(ctx context.Context) {
	c.mu.Lock()
	outbox := c.outbox
	done := c.done
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case env := <-outbox:
			if env.Type == TypeCandidate {
				if err := c.limiter.Wait(ctx); err != nil {
					return
				}
			}
			if err := c.write(env); err != nil {
				c.logger.Warnw("failed to send signaling envelope", "type", env.Type, "error", err)
			}
		}
	}
}

func (c *Client) writeEnvelope(env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("signaling connection closed")
	}

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteJSON(env)
}

// readLoop consumes inbound envelopes until the socket fails or the
// context ends. Malformed envelopes are dropped, not fatal.
func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() == nil {
				c.logger.Warnw("signaling read failed", "error", err)
			}
			return
		}
		c.dispatch(ctx, env)
	}
}

// dispatch routes one inbound envelope to the manager
func (c *Client) dispatch(ctx context.Context, env Envelope) {
	ctx = vllog.WithSessionID(ctx, string(c.manager.SessionID()))
	ctx, span := c.tracer.Start(ctx, "signal.dispatch",
		trace.WithAttributes(attribute.String("signal.type", string(env.Type))),
	)
	defer span.End()

	switch env.Type {
	case TypeOffer:
		c.handleRemoteDescription(ctx, env, true)
	case TypeAnswer:
		c.handleRemoteDescription(ctx, env, false)
	case TypeCandidate:
		var payload CandidatePayload
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			c.clog.WithContext(ctx).Warn("dropping malformed candidate payload", zap.Error(err))
			return
		}
		if err := c.manager.AddICECandidate(domain.ICECandidate{
			Candidate:        payload.Candidate,
			SDPMid:           payload.SDPMid,
			SDPMLineIndex:    payload.SDPMLineIndex,
			UsernameFragment: payload.UsernameFragment,
		}); err != nil {
			span.RecordError(err)
			c.clog.WithContext(ctx).Warn("failed to add remote candidate", zap.Error(err))
		}
	case TypeHangup:
		c.manager.EndCall()
	default:
		c.clog.WithContext(ctx).Warn("ignoring unknown signaling envelope", zap.String("type", string(env.Type)))
	}
}

// handleRemoteDescription applies the remote description; for offers, an
// answer is produced and relayed back.
func (c *Client) handleRemoteDescription(ctx context.Context, env Envelope, isOffer bool) {
	var payload DescriptionPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.clog.WithContext(ctx).Warn("dropping malformed description payload", zap.Error(err))
		return
	}

	desc := webrtc.SessionDescription{
		Type: webrtc.NewSDPType(payload.Type),
		SDP:  payload.SDP,
	}
	if err := c.manager.SetRemoteDescription(ctx, desc); err != nil {
		c.clog.WithContext(ctx).Warn("failed to apply remote description",
			zap.String("type", payload.Type), zap.Error(err))
		return
	}

	if !isOffer {
		return
	}

	answer, err := c.manager.CreateAnswer(ctx)
	if err != nil {
		c.logger.Warnw("failed to answer remote offer", "error", err)
		return
	}
	out, err := newEnvelope(TypeAnswer, string(c.manager.SessionID()), DescriptionPayload{
		Type: answer.Type.String(),
		SDP:  answer.SDP,
	})
	if err != nil {
		c.logger.Warnw("failed to encode answer", "error", err)
		return
	}
	c.enqueue(out)
}

// SendOffer creates a local offer on the manager and relays it. Called by
// hosts acting as the initiating side.
func (c *Client) SendOffer(ctx context.Context) error {
	offer, err := c.manager.CreateOffer(ctx)
	if err != nil {
		return err
	}

	env, err := newEnvelope(TypeOffer, string(c.manager.SessionID()), DescriptionPayload{
		Type: offer.Type.String(),
		SDP:  offer.SDP,
	})
	if err != nil {
		return fmt.Errorf("failed to encode offer: %w", err)
	}
	c.enqueue(env)
	return nil
}

// Close stops relaying and closes the socket
func (c *Client) Close() {
	if c.subID != 0 {
		c.bus.Unsubscribe(c.subID)
		c.subID = 0
	}

	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.outbox = nil
	c.done = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if conn != nil {
		conn.Close()
	}
}
