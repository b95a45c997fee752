package media

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"sync/atomic"

	"voicelink/internal/core/domain"
	"voicelink/internal/core/ports"
	voiceerr "voicelink/pkg/errors"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const defaultOpusBitrate = 32000

// Engine acquires microphone captures through pion/mediadevices
type Engine struct {
	logger  *zap.SugaredLogger
	bitrate int
}

// NewEngine creates a capture engine
func NewEngine(logger *zap.SugaredLogger) *Engine {
	return &Engine{
		logger:  logger,
		bitrate: defaultOpusBitrate,
	}
}

// AcquireAudio opens the default microphone with the given constraints
// and an opus encoder. The echo-cancellation, noise-suppression and
// auto-gain flags are capture hints; drivers without those DSP stages
// produce unprocessed audio.
func (e *Engine) AcquireAudio(ctx context.Context, constraints domain.AudioConstraints) (ports.AudioCapture, error) {
	params, err := opus.NewParams()
	if err != nil {
		return nil, voiceerr.NewDeviceUnavailableError(err)
	}
	params.BitRate = e.bitrate

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&params),
	)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(constraints.SampleRate)
			c.ChannelCount = prop.Int(constraints.ChannelCount)
			c.SampleSize = prop.Int(16)
			c.IsInterleaved = prop.BoolExact(true)
			if constraints.Latency > 0 {
				c.Latency = prop.Duration(constraints.Latency)
			}
		},
		Codec: selector,
	})
	if err != nil {
		return nil, classifyCaptureError(err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, voiceerr.NewDeviceUnavailableError(nil)
	}

	capture := &microphoneCapture{
		track:    tracks[0],
		channels: constraints.ChannelCount,
		logger:   e.logger,
	}
	capture.storeGain(1.0)

	if audioTrack, ok := tracks[0].(*mediadevices.AudioTrack); ok {
		audioTrack.Transform(capture.gainTransform)
	}

	e.logger.Infow("microphone acquired",
		"sample_rate", constraints.SampleRate,
		"channels", constraints.ChannelCount,
		"latency", constraints.Latency,
	)
	return capture, nil
}

// classifyCaptureError maps capture failures onto the error taxonomy.
// Desktop drivers have no permission prompt, so anything that does not
// look like an access denial counts as a device failure.
func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not allowed") {
		return voiceerr.NewPermissionDeniedError(err)
	}
	return voiceerr.NewDeviceUnavailableError(err)
}

// microphoneCapture is one live capture. Gain is applied to raw audio
// chunks before they reach the encoder.
type microphoneCapture struct {
	track    mediadevices.Track
	channels int
	logger   *zap.SugaredLogger
	gainBits atomic.Uint64
}

func (c *microphoneCapture) storeGain(gain float64) {
	c.gainBits.Store(math.Float64bits(gain))
}

func (c *microphoneCapture) loadGain() float64 {
	return math.Float64frombits(c.gainBits.Load())
}

func (c *microphoneCapture) Codec() webrtc.RTPCodecCapability {
	channels := uint16(c.channels)
	if channels == 0 {
		channels = 1
	}
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    channels,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
}

func (c *microphoneCapture) NewReader(mtu int) (ports.RTPReader, error) {
	reader, err := c.track.NewRTPReader(codecShortName(webrtc.MimeTypeOpus), rand.Uint32(), mtu)
	if err != nil {
		return nil, voiceerr.NewDeviceUnavailableError(err)
	}
	return reader, nil
}

func (c *microphoneCapture) SetGain(gain float64) {
	if gain < 0 {
		gain = 0
	}
	c.storeGain(gain)
}

func (c *microphoneCapture) Close() error {
	return c.track.Close()
}

// gainTransform scales raw samples by the current gain before encoding
func (c *microphoneCapture) gainTransform(r audio.Reader) audio.Reader {
	return audio.ReaderFunc(func() (wave.Audio, func(), error) {
		chunk, release, err := r.Read()
		if err != nil {
			return nil, func() {}, err
		}
		if gain := c.loadGain(); gain != 1.0 {
			applyGain(chunk, gain)
		}
		return chunk, release, nil
	})
}

func applyGain(chunk wave.Audio, gain float64) {
	switch a := chunk.(type) {
	case *wave.Int16Interleaved:
		for i, sample := range a.Data {
			a.Data[i] = clampInt16(float64(sample) * gain)
		}
	case *wave.Int16NonInterleaved:
		for _, channel := range a.Data {
			for i, sample := range channel {
				channel[i] = clampInt16(float64(sample) * gain)
			}
		}
	case *wave.Float32Interleaved:
		for i, sample := range a.Data {
			a.Data[i] = float32(float64(sample) * gain)
		}
	case *wave.Float32NonInterleaved:
		for _, channel := range a.Data {
			for i, sample := range channel {
				channel[i] = float32(float64(sample) * gain)
			}
		}
	}
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

func codecShortName(mimeType string) string {
	parts := strings.SplitN(mimeType, "/", 2)
	if len(parts) != 2 {
		return mimeType
	}
	return parts[1]
}
