package webrtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mimeTypes(params []webrtc.RTPCodecParameters) []string {
	out := make([]string, 0, len(params))
	for _, p := range params {
		out = append(out, p.MimeType)
	}
	return out
}

func TestFilterCodecPreferences_PreservesPreferenceOrder(t *testing.T) {
	selected := filterCodecPreferences([]string{"PCMU", "opus"}, audioCapabilities)

	assert.Equal(t, []string{webrtc.MimeTypePCMU, webrtc.MimeTypeOpus}, mimeTypes(selected))
}

func TestFilterCodecPreferences_CaseInsensitive(t *testing.T) {
	selected := filterCodecPreferences([]string{"OPUS"}, audioCapabilities)

	require.Len(t, selected, 1)
	assert.Equal(t, webrtc.MimeTypeOpus, selected[0].MimeType)
}

func TestFilterCodecPreferences_UnknownCodecsExcluded(t *testing.T) {
	selected := filterCodecPreferences([]string{"opus", "isac", "PCMA"}, audioCapabilities)

	assert.Equal(t, []string{webrtc.MimeTypeOpus, webrtc.MimeTypePCMA}, mimeTypes(selected))
}

func TestFilterCodecPreferences_IntersectionExcludesUnlisted(t *testing.T) {
	selected := filterCodecPreferences([]string{"opus", "PCMU"}, audioCapabilities)

	assert.Equal(t, []string{webrtc.MimeTypeOpus, webrtc.MimeTypePCMU}, mimeTypes(selected),
		"available codecs absent from the preference list must not be offered")
}

func TestFilterCodecPreferences_EmptyListKeepsAll(t *testing.T) {
	selected := filterCodecPreferences(nil, audioCapabilities)

	assert.Len(t, selected, len(audioCapabilities))
}

func TestCodecName(t *testing.T) {
	assert.Equal(t, "opus", codecName("audio/opus"))
	assert.Equal(t, "PCMU", codecName("audio/PCMU"))
	assert.Equal(t, "opus", codecName("opus"))
}

func TestNewMediaEngine_NoMatchingCodecFails(t *testing.T) {
	_, err := newMediaEngine([]string{"isac", "speex"})
	assert.Error(t, err)
}

func TestNewMediaEngine_RegistersPreferred(t *testing.T) {
	engine, err := newMediaEngine([]string{"opus", "G722"})
	require.NoError(t, err)
	assert.NotNil(t, engine)
}
