package domain

import "encoding/json"

// ControlMessage is the unit of exchange on the control channel. Type is
// the application-level discriminator; Payload is left opaque to the
// transport layer.
type ControlMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ICECandidate mirrors the wire form of a trickled ICE candidate
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}
