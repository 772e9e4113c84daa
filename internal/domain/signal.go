package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

// SessionDescription is the JSON structure persisted for offers and answers.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is the JSON structure persisted for one network candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// EncodeDescription serializes a description for a signaling record.
func EncodeDescription(desc SessionDescription) (string, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", desc.Type, err)
	}
	return string(data), nil
}

// DecodeDescription parses a serialized description of the wanted type.
// A bare SDP blob is accepted as well and typed as wantType.
func DecodeDescription(raw, wantType string) (SessionDescription, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionDescription{}, fmt.Errorf("%w: empty %s", ErrInvalidRemoteDescription, wantType)
	}
	if strings.HasPrefix(raw, "v=") {
		return SessionDescription{Type: wantType, SDP: raw}, nil
	}

	var desc SessionDescription
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return SessionDescription{}, fmt.Errorf("%w: %w", ErrInvalidRemoteDescription, err)
	}
	if desc.Type != wantType {
		return SessionDescription{}, fmt.Errorf("%w: got type %q, want %q", ErrInvalidRemoteDescription, desc.Type, wantType)
	}
	if desc.SDP == "" {
		return SessionDescription{}, fmt.Errorf("%w: empty sdp", ErrInvalidRemoteDescription)
	}
	return desc, nil
}

// EncodeCandidate serializes a candidate for a signaling record.
func EncodeCandidate(c ICECandidate) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal candidate: %w", err)
	}
	return string(data), nil
}

// DecodeCandidate parses one serialized candidate.
func DecodeCandidate(raw string) (ICECandidate, error) {
	var c ICECandidate
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return ICECandidate{}, fmt.Errorf("%w: %w", ErrCandidateParse, err)
	}
	if c.Candidate == "" {
		return ICECandidate{}, fmt.Errorf("%w: empty candidate", ErrCandidateParse)
	}
	return c, nil
}
