package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v3"
)

// audioCapabilities is the codec set this build can negotiate, in the
// payload-type layout browsers expect.
var audioCapabilities = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: 8000,
		},
		PayloadType: 0,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMA,
			ClockRate: 8000,
		},
		PayloadType: 8,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeG722,
			ClockRate: 8000,
		},
		PayloadType: 9,
	},
}

// codecName extracts the short name from a MIME type, e.g. "audio/opus"
// -> "opus".
func codecName(mimeType string) string {
	parts := strings.SplitN(mimeType, "/", 2)
	if len(parts) != 2 {
		return mimeType
	}
	return parts[1]
}

// filterCodecPreferences intersects the configured preference list with
// the available capability set, preserving preference order. Codecs the
// platform does not advertise are silently excluded.
func filterCodecPreferences(preferred []string, available []webrtc.RTPCodecParameters) []webrtc.RTPCodecParameters {
	if len(preferred) == 0 {
		return available
	}

	var selected []webrtc.RTPCodecParameters
	for _, want := range preferred {
		for _, candidate := range available {
			if strings.EqualFold(codecName(candidate.MimeType), want) {
				selected = append(selected, candidate)
				break
			}
		}
	}
	return selected
}

// newMediaEngine builds a media engine that only offers the preferred
// audio codecs, in preference order.
func newMediaEngine(preferred []string) (*webrtc.MediaEngine, error) {
	selected := filterCodecPreferences(preferred, audioCapabilities)
	if len(selected) == 0 {
		return nil, fmt.Errorf("no supported codec in preference list %v", preferred)
	}

	engine := &webrtc.MediaEngine{}
	for _, params := range selected {
		if err := engine.RegisterCodec(params, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", params.MimeType, err)
		}
	}
	return engine, nil
}
