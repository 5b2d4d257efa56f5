package models

import (
	"encoding/json"

	"vidmatch/backend/internal/errs"
)

// Event types carried over the signaling channel. Client requests carry a
// non-zero Seq and are answered with an ack envelope of the same Seq;
// server pushes carry Seq 0 and may be redelivered across reconnects.
const (
	EvtAck = "ack"

	EvtCreateMatchRequest = "create-match-request"
	EvtCancelMatchRequest = "cancel-match-request"

	EvtSendMessage      = "send-message"
	EvtMessageReceived  = "message-received"
	EvtTypingStart      = "typing-start"
	EvtTypingStop       = "typing-stop"
	EvtMarkMessagesRead = "mark-messages-read"

	EvtMatchFound = "match-found"
	EvtMatchEnd   = "match-end"
	EvtHangup     = "hangup"

	EvtReportPartner = "report-partner"

	EvtMediaOffer            = "media-offer"
	EvtMediaAnswer           = "media-answer"
	EvtMediaCandidate        = "media-candidate"
	EvtNewProducer           = "new-producer"
	EvtCallConnected         = "call-connected"
	EvtToggleMedia           = "toggle-media"
	EvtMediaPermissionDenied = "media-permission-denied"
)

// Media kinds accepted by toggle-media.
const (
	MediaAudio  = "audio"
	MediaVideo  = "video"
	MediaScreen = "screen"
)

// Envelope is the single frame shape on the wire. Payload decoding is
// type-tagged; unknown types and malformed payloads are rejected at the
// channel boundary before reaching core logic.
type Envelope struct {
	Type    string          `json:"type"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Ack answers a request envelope.
type Ack struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type CreateMatchRequestPayload struct {
	Category string `json:"category"`
}

type CancelMatchRequestPayload struct {
	Category      string `json:"category"`
	ParticipantID string `json:"participant_id"`
}

type SendMessagePayload struct {
	ID      string `json:"id"`
	RoomID  string `json:"room_id"`
	Content string `json:"content"`
	Kind    string `json:"kind"`
}

type TypingPayload struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}

type MarkReadPayload struct {
	RoomID string `json:"room_id"`
}

type MatchFoundPayload struct {
	RoomID    string `json:"room_id"`
	PartnerID string `json:"partner_id"`
	Category  string `json:"category"`
}

type CallConnectedPayload struct {
	RoomID string `json:"room_id"`
}

type MatchEndPayload struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

type HangupPayload struct {
	RoomID string `json:"room_id"`
}

type ReportPartnerPayload struct {
	RoomID string `json:"room_id"`
	Reason string `json:"reason"`
}

// MediaSDPPayload carries an SDP offer or answer for the room's transport.
type MediaSDPPayload struct {
	RoomID string `json:"room_id"`
	SDP    string `json:"sdp"`
}

// MediaCandidatePayload carries a trickled ICE candidate as raw JSON so the
// models package stays free of webrtc types.
type MediaCandidatePayload struct {
	RoomID    string          `json:"room_id"`
	Candidate json.RawMessage `json:"candidate"`
}

type NewProducerPayload struct {
	RoomID     string `json:"room_id"`
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
}

type ToggleMediaPayload struct {
	RoomID string `json:"room_id"`
	Kind   string `json:"kind"`
	Paused bool   `json:"paused"`
}

type MediaPermissionDeniedPayload struct {
	RoomID string `json:"room_id"`
	Kind   string `json:"kind"`
}

// NewEnvelope marshals a typed payload into a frame. Marshalling of the
// payload structs above cannot fail.
func NewEnvelope(eventType string, seq uint64, payload any) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{Type: eventType, Seq: seq, Payload: raw}
}

// DecodePayload unmarshals an envelope payload into dst and validates the
// fields the event type requires.
func DecodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return errs.NewValidation("payload", "missing")
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return errs.NewValidation("payload", "malformed JSON")
	}
	switch v := dst.(type) {
	case *CreateMatchRequestPayload:
		if v.Category == "" {
			return errs.NewValidation("category", "required")
		}
	case *CancelMatchRequestPayload:
		if v.Category == "" {
			return errs.NewValidation("category", "required")
		}
	case *SendMessagePayload:
		if v.RoomID == "" {
			return errs.NewValidation("room_id", "required")
		}
		if v.Content == "" {
			return errs.NewValidation("content", "required")
		}
		switch v.Kind {
		case "", KindText, KindCallRequest, KindCallResponse:
		default:
			return errs.NewValidation("kind", "unknown message kind")
		}
	case *TypingPayload:
		if v.RoomID == "" {
			return errs.NewValidation("room_id", "required")
		}
	case *MarkReadPayload:
		if v.RoomID == "" {
			return errs.NewValidation("room_id", "required")
		}
	case *HangupPayload:
		if v.RoomID == "" {
			return errs.NewValidation("room_id", "required")
		}
	case *ReportPartnerPayload:
		if v.RoomID == "" {
			return errs.NewValidation("room_id", "required")
		}
		if v.Reason == "" {
			return errs.NewValidation("reason", "required")
		}
	case *MediaSDPPayload:
		if v.RoomID == "" {
			return errs.NewValidation("room_id", "required")
		}
		if v.SDP == "" {
			return errs.NewValidation("sdp", "required")
		}
	case *MediaCandidatePayload:
		if v.RoomID == "" {
			return errs.NewValidation("room_id", "required")
		}
		if len(v.Candidate) == 0 {
			return errs.NewValidation("candidate", "required")
		}
	case *ToggleMediaPayload:
		if v.RoomID == "" {
			return errs.NewValidation("room_id", "required")
		}
		switch v.Kind {
		case MediaAudio, MediaVideo, MediaScreen:
		default:
			return errs.NewValidation("kind", "unknown media kind")
		}
	case *MediaPermissionDeniedPayload:
		if v.RoomID == "" {
			return errs.NewValidation("room_id", "required")
		}
	}
	return nil
}
