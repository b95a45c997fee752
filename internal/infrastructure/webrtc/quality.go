package webrtc

import (
	"context"
	"sync"
	"time"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// opusClockRate converts RTCP jitter, reported in RTP timestamp units,
// into the seconds pion uses for its own jitter counters.
const opusClockRate = 48000

// QualityMonitor produces on-demand statistics snapshots. It is not a
// background poller; the caller decides sampling cadence. A live RTCP
// feed from the remote receiver supplements the counters pion reports.
type QualityMonitor struct {
	logger *zap.SugaredLogger

	mu           sync.RWMutex
	fractionLost float64
	rtcpJitter   uint32
}

// NewQualityMonitor creates a quality monitor
func NewQualityMonitor(logger *zap.SugaredLogger) *QualityMonitor {
	return &QualityMonitor{logger: logger}
}

// Snapshot queries transport statistics, returning nil when no transport
// exists. Repeated calls always re-query live state; nothing is cached.
func (q *QualityMonitor) Snapshot(transport ports.Transport) *domain.ConnectionStatsSnapshot {
	if transport == nil {
		return nil
	}

	snapshot := &domain.ConnectionStatsSnapshot{Timestamp: time.Now()}
	for _, stats := range transport.GetStats() {
		switch s := stats.(type) {
		case webrtc.InboundRTPStreamStats:
			if s.Kind != "" && s.Kind != "audio" {
				continue
			}
			snapshot.Inbound.BytesReceived += s.BytesReceived
			snapshot.Inbound.PacketsReceived += s.PacketsReceived
			snapshot.Inbound.PacketsLost += s.PacketsLost
			if s.Jitter > snapshot.Inbound.Jitter {
				snapshot.Inbound.Jitter = s.Jitter
			}
		case webrtc.OutboundRTPStreamStats:
			if s.Kind != "" && s.Kind != "audio" {
				continue
			}
			snapshot.Outbound.BytesSent += s.BytesSent
			snapshot.Outbound.PacketsSent += s.PacketsSent
			if s.TargetBitrate > snapshot.Outbound.TargetBitrate {
				snapshot.Outbound.TargetBitrate = s.TargetBitrate
			}
		case webrtc.AudioReceiverStats:
			snapshot.Inbound.AudioLevel = s.AudioLevel
		case webrtc.TransportStats:
			snapshot.BytesSent += s.BytesSent
			snapshot.BytesReceived += s.BytesReceived
		case webrtc.ICECandidatePairStats:
			if s.State == webrtc.StatsICECandidatePairStateSucceeded && s.CurrentRoundTripTime > 0 {
				snapshot.RoundTripTime = time.Duration(s.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}

	q.mu.RLock()
	if snapshot.Inbound.Jitter == 0 && q.rtcpJitter > 0 {
		snapshot.Inbound.Jitter = float64(q.rtcpJitter) / opusClockRate
	}
	q.mu.RUnlock()

	return snapshot
}

// Reset drops RTCP state carried over from a previous call so a fresh
// session starts with clean snapshots.
func (q *QualityMonitor) Reset() {
	q.mu.Lock()
	q.fractionLost = 0
	q.rtcpJitter = 0
	q.mu.Unlock()
}

// AudioSnapshot is the audio-only view of Snapshot
func (q *QualityMonitor) AudioSnapshot(transport ports.Transport) *domain.AudioStats {
	snapshot := q.Snapshot(transport)
	if snapshot == nil {
		return nil
	}
	return &domain.AudioStats{
		Timestamp: snapshot.Timestamp,
		Inbound:   snapshot.Inbound,
		Outbound:  snapshot.Outbound,
	}
}

// FractionLost returns the most recent RTCP-reported loss fraction (0-1)
func (q *QualityMonitor) FractionLost() float64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.fractionLost
}

// WatchReceiver consumes RTCP from the remote receiver until the call
// context is cancelled or the receiver drains. Read failures end the
// watch silently; stats queries fall back to pion's counters.
func (q *QualityMonitor) WatchReceiver(ctx context.Context, receiver *webrtc.RTPReceiver) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			if ctx.Err() == nil {
				q.logger.Debugw("rtcp read ended", "error", err)
			}
			return
		}
		q.processRTCP(packets)
	}
}

func (q *QualityMonitor) processRTCP(packets []rtcp.Packet) {
	var totalLost uint64
	var totalJitter uint64
	reports := 0

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				totalLost += uint64(report.FractionLost)
				totalJitter += uint64(report.Jitter)
				reports++
			}
		case *rtcp.SenderReport:
			for _, report := range p.Reports {
				totalLost += uint64(report.FractionLost)
				totalJitter += uint64(report.Jitter)
				reports++
			}
		}
	}

	if reports == 0 {
		return
	}

	q.mu.Lock()
	q.fractionLost = float64(totalLost) / float64(reports) / 255.0
	q.rtcpJitter = uint32(totalJitter / uint64(reports))
	q.mu.Unlock()
}
