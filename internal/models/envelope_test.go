package models_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"vidmatch/backend/internal/errs"
	"vidmatch/backend/internal/models"
)

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env := models.NewEnvelope(models.EvtSendMessage, 7, models.SendMessagePayload{
		ID:      "m1",
		RoomID:  "room1",
		Content: "hello",
		Kind:    models.KindText,
	})

	data, err := json.Marshal(env)
	assert.NoError(t, err)

	var decoded models.Envelope
	assert.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, models.EvtSendMessage, decoded.Type)
	assert.Equal(t, uint64(7), decoded.Seq)

	var payload models.SendMessagePayload
	assert.NoError(t, models.DecodePayload(decoded, &payload))
	assert.Equal(t, "hello", payload.Content)
}

func TestDecodePayloadRejectsMissingPayload(t *testing.T) {
	err := models.DecodePayload(models.Envelope{Type: models.EvtSendMessage}, &models.SendMessagePayload{})
	var verr *errs.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "payload", verr.Field)
}

func TestDecodePayloadRejectsMalformedJSON(t *testing.T) {
	env := models.Envelope{Type: models.EvtSendMessage, Payload: json.RawMessage(`{"room_id":`)}
	err := models.DecodePayload(env, &models.SendMessagePayload{})
	var verr *errs.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestDecodePayloadValidatesRequiredFields(t *testing.T) {
	env := models.NewEnvelope(models.EvtSendMessage, 1, models.SendMessagePayload{RoomID: "room1"})
	err := models.DecodePayload(env, &models.SendMessagePayload{})
	var verr *errs.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "content", verr.Field)

	env = models.NewEnvelope(models.EvtCreateMatchRequest, 2, models.CreateMatchRequestPayload{})
	err = models.DecodePayload(env, &models.CreateMatchRequestPayload{})
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "category", verr.Field)
}

func TestDecodePayloadRejectsUnknownKinds(t *testing.T) {
	env := models.NewEnvelope(models.EvtSendMessage, 1, models.SendMessagePayload{
		RoomID: "room1", Content: "x", Kind: "carrier-pigeon",
	})
	err := models.DecodePayload(env, &models.SendMessagePayload{})
	var verr *errs.ValidationError
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "kind", verr.Field)

	env = models.NewEnvelope(models.EvtToggleMedia, 2, models.ToggleMediaPayload{
		RoomID: "room1", Kind: "hologram",
	})
	err = models.DecodePayload(env, &models.ToggleMediaPayload{})
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, "kind", verr.Field)
}
