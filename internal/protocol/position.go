// Package protocol описывает формат сетевых сообщений синхронизации позиций.
//
// Сообщение позиции передаётся с кодом операции OpCodePosition и кодируется в MessagePack
// как массив из четырёх элементов:
//
//	[participant_id: str, position: [f32 x3], rotation: [f32 x3], velocity: [f32 x3]]
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/annel0/sector-sync/internal/vec"
)

// OpCodePosition: код операции обновления позиции
const OpCodePosition int64 = 1

// ErrMalformedPayload: полезная нагрузка не может быть разобрана
var ErrMalformedPayload = errors.New("malformed position payload")

// PositionUpdate: сетевое представление обновления позиции
type PositionUpdate struct {
	_msgpack struct{} `msgpack:",as_array"`

	PlayerID string    `msgpack:"player_id"`
	Position []float32 `msgpack:"position"`
	Rotation []float32 `msgpack:"rotation"`
	Velocity []float32 `msgpack:"velocity"`
}

// Update: разобранное обновление позиции
type Update struct {
	PlayerID string
	Position vec.Vec3
	Rotation vec.Vec3
	Velocity vec.Vec3
}

// EncodePosition сериализует обновление позиции
func EncodePosition(playerID string, pos, rot, vel vec.Vec3) ([]byte, error) {
	data, err := msgpack.Marshal(&PositionUpdate{
		PlayerID: playerID,
		Position: pos.Slice(),
		Rotation: rot.Slice(),
		Velocity: vel.Slice(),
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации позиции: %w", err)
	}
	return data, nil
}

// DecodePosition разбирает обновление позиции. Любая ошибка оборачивает ErrMalformedPayload.
func DecodePosition(data []byte) (Update, error) {
	if len(data) == 0 {
		return Update{}, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}

	var msg PositionUpdate
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if msg.PlayerID == "" {
		return Update{}, fmt.Errorf("%w: empty player id", ErrMalformedPayload)
	}

	pos, ok := vec.FromSlice(msg.Position)
	if !ok {
		return Update{}, fmt.Errorf("%w: position has %d components", ErrMalformedPayload, len(msg.Position))
	}
	rot, ok := vec.FromSlice(msg.Rotation)
	if !ok {
		return Update{}, fmt.Errorf("%w: rotation has %d components", ErrMalformedPayload, len(msg.Rotation))
	}
	vel, ok := vec.FromSlice(msg.Velocity)
	if !ok {
		return Update{}, fmt.Errorf("%w: velocity has %d components", ErrMalformedPayload, len(msg.Velocity))
	}

	return Update{PlayerID: msg.PlayerID, Position: pos, Rotation: rot, Velocity: vel}, nil
}
