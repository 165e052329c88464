package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

// Типы уведомлений ростера
const (
	TypeZoneJoined   = "ZoneJoined"
	TypeZoneLeft     = "ZoneLeft"
	TypePlayerJoined = "PlayerJoined"
	TypePlayerLeft   = "PlayerLeft"
	TypePlayerStale  = "PlayerStale"
)

// RosterTypes: все типы уведомлений ростера
var RosterTypes = []string{TypeZoneJoined, TypeZoneLeft, TypePlayerJoined, TypePlayerLeft, TypePlayerStale}

// RosterEvent: полезная нагрузка уведомления ростера
type RosterEvent struct {
	Zone          string `msgpack:"zone"`
	MatchID       string `msgpack:"match_id,omitempty"`
	ParticipantID string `msgpack:"participant_id,omitempty"`
	Remote        bool   `msgpack:"remote"`
}

// NewRosterEnvelope упаковывает уведомление ростера в Envelope с низким приоритетом
func NewRosterEnvelope(source, eventType string, ev RosterEvent) (*Envelope, error) {
	payload, err := msgpack.Marshal(&ev)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события %s: %w", eventType, err)
	}
	return &Envelope{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Source:        source,
		EventType:     eventType,
		Version:       1,
		CorrelationID: ev.MatchID,
		Priority:      1,
		Payload:       payload,
	}, nil
}

// DecodeRosterEvent разбирает полезную нагрузку уведомления ростера
func DecodeRosterEvent(env *Envelope) (RosterEvent, error) {
	var ev RosterEvent
	if err := msgpack.Unmarshal(env.Payload, &ev); err != nil {
		return RosterEvent{}, fmt.Errorf("ошибка разбора события %s: %w", env.EventType, err)
	}
	return ev, nil
}

// PublishRoster публикует уведомление ростера; nil-шина — no-op
func PublishRoster(ctx context.Context, bus EventBus, source, eventType string, ev RosterEvent) error {
	if bus == nil {
		return nil
	}
	env, err := NewRosterEnvelope(source, eventType, ev)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, env)
}
