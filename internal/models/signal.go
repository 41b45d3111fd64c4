package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSignal is returned by DecodeSignal for envelopes that are not
// offers, answers or candidates.
var ErrUnknownSignal = errors.New("unknown signal type")

// Correlation ties a signal to a room and to one host/viewer pair.
type Correlation struct {
	RoomID    string
	SessionID string
	From      string
	To        string
}

// SessionIDFor builds the correlation id of the negotiation between the
// room's host and the given viewer.
func SessionIDFor(roomID, viewerID string) string {
	return roomID + ":" + viewerID
}

// ViewerFromSessionID extracts the viewer id from a session id.
func ViewerFromSessionID(sessionID string) (string, bool) {
	i := strings.LastIndex(sessionID, ":")
	if i < 0 || i == len(sessionID)-1 {
		return "", false
	}
	return sessionID[i+1:], true
}

// Signal is one of Offer, Answer or CandidateSignal.
type Signal interface {
	Kind() MessageType
	Corr() Correlation
	sealed()
}

// Offer carries the offering side's session description.
type Offer struct {
	Correlation
	SDP string
}

// Answer carries the answering side's session description.
type Answer struct {
	Correlation
	SDP string
}

// CandidateSignal carries one trickled ICE candidate.
type CandidateSignal struct {
	Correlation
	Candidate ICECandidate
}

func (Offer) Kind() MessageType           { return MessageTypeOffer }
func (Answer) Kind() MessageType          { return MessageTypeAnswer }
func (CandidateSignal) Kind() MessageType { return MessageTypeCandidate }

func (o Offer) Corr() Correlation           { return o.Correlation }
func (a Answer) Corr() Correlation          { return a.Correlation }
func (c CandidateSignal) Corr() Correlation { return c.Correlation }

func (Offer) sealed()           {}
func (Answer) sealed()          {}
func (CandidateSignal) sealed() {}

// SDPType distinguishes offer and answer descriptions.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is a local or remote SDP blob.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// ICECandidate mirrors the browser's RTCIceCandidateInit.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Valid reports whether the candidate can be handed to a peer connection.
func (c ICECandidate) Valid() bool {
	return strings.TrimSpace(c.Candidate) != ""
}

// EncodeSignal converts a signal into its wire envelope.
func EncodeSignal(sig Signal) (Envelope, error) {
	var (
		payload any
		corr    = sig.Corr()
	)
	switch s := sig.(type) {
	case Offer:
		payload = SessionDescription{Type: SDPTypeOffer, SDP: s.SDP}
	case Answer:
		payload = SessionDescription{Type: SDPTypeAnswer, SDP: s.SDP}
	case CandidateSignal:
		payload = s.Candidate
	default:
		return Envelope{}, fmt.Errorf("%w: %T", ErrUnknownSignal, sig)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", sig.Kind(), err)
	}

	return Envelope{
		Type:      sig.Kind(),
		RoomID:    corr.RoomID,
		SessionID: corr.SessionID,
		From:      corr.From,
		To:        corr.To,
		Payload:   data,
	}, nil
}

// DecodeSignal converts a wire envelope back into a signal. Envelopes of any
// other type are rejected with ErrUnknownSignal.
func DecodeSignal(env Envelope) (Signal, error) {
	corr := Correlation{
		RoomID:    env.RoomID,
		SessionID: env.SessionID,
		From:      env.From,
		To:        env.To,
	}

	switch env.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		var desc SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			return nil, fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
		if desc.SDP == "" {
			return nil, fmt.Errorf("malformed %s payload: empty sdp", env.Type)
		}
		if env.Type == MessageTypeOffer {
			return Offer{Correlation: corr, SDP: desc.SDP}, nil
		}
		return Answer{Correlation: corr, SDP: desc.SDP}, nil
	case MessageTypeCandidate:
		var c ICECandidate
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, fmt.Errorf("malformed candidate payload: %w", err)
		}
		return CandidateSignal{Correlation: corr, Candidate: c}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignal, env.Type)
	}
}
