package outbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sources stamped on ActorRef.
const (
	SourceStripe = "stripe"
	SourceClaim  = "claim"
	SourceCron   = "cron"
)

var (
	ErrEnvelopeMissingID   = errors.New("envelope missing eventId")
	ErrEnvelopeMissingData = errors.New("envelope missing data")
)

// ActorRef records what triggered a billing event. Reference carries the
// Stripe object or sweep key the change was derived from.
type ActorRef struct {
	Source    string     `json:"source"`
	UserID    *uuid.UUID `json:"userId,omitempty"`
	Reference string     `json:"reference,omitempty"`
}

// PayloadEnvelope is the stored and published body of every outbox row.
// Consumers dedupe on EventID; Version bumps when Data changes shape.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a row payload and rejects envelopes a consumer could
// not act on.
func DecodeEnvelope(raw []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return env, ErrEnvelopeMissingID
	}
	data := bytes.TrimSpace(env.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return env, ErrEnvelopeMissingData
	}
	return env, nil
}
