// Package entity описывает участника сектора: локальный корабль игрока или удалённый
// корабль другого участника со своим буфером снимков.
package entity

import (
	"time"

	"github.com/annel0/sector-sync/internal/snapshot"
	"github.com/annel0/sector-sync/internal/vec"
)

// Значения по умолчанию
const (
	DefaultInterpolationDelay = 100 * time.Millisecond
	DefaultStaleAge           = 5000 * time.Millisecond
)

// State: копия состояния корабля для внешних потребителей (рендер, скрипты)
type State struct {
	ParticipantID string
	ZoneShipID    string
	Remote        bool
	Position      vec.Vec3
	Rotation      vec.Vec3
	Velocity      vec.Vec3
	LastUpdate    time.Time
}

// Ship: корабль участника. Признак remote задаётся при создании и не меняется;
// буфер снимков есть только у удалённых кораблей.
type Ship struct {
	ParticipantID string
	ZoneShipID    string

	Position vec.Vec3
	Rotation vec.Vec3
	Velocity vec.Vec3

	// Предыдущее применённое состояние (для совместимости со старыми потребителями)
	PreviousPosition vec.Vec3
	PreviousRotation vec.Vec3

	LastUpdate time.Time

	remote    bool
	snapshots *snapshot.Buffer
}

// NewShip создаёт корабль. maxSnapshotAge используется только для удалённых кораблей.
func NewShip(participantID, zoneShipID string, remote bool, now time.Time, maxSnapshotAge time.Duration) *Ship {
	s := &Ship{
		ParticipantID: participantID,
		ZoneShipID:    zoneShipID,
		LastUpdate:    now,
		remote:        remote,
	}
	if remote {
		s.snapshots = snapshot.NewBuffer(maxSnapshotAge)
	}
	return s
}

// IsRemote сообщает, принадлежит ли корабль другому участнику
func (s *Ship) IsRemote() bool { return s.remote }

// UpdatePosition применяет новое состояние. Текущее состояние сдвигается в Previous*,
// для удалённого корабля в буфер добавляется ровно один снимок.
func (s *Ship) UpdatePosition(pos, rot, vel vec.Vec3, now time.Time) {
	s.PreviousPosition = s.Position
	s.PreviousRotation = s.Rotation
	s.Position = pos
	s.Rotation = rot
	s.Velocity = vel
	s.LastUpdate = now

	if s.snapshots != nil {
		s.snapshots.Ingest(snapshot.Snapshot{
			Position:  pos,
			Rotation:  rot,
			Velocity:  vel,
			Timestamp: now,
		})
	}
}

// SetPosition задаёт позицию без записи снимка
func (s *Ship) SetPosition(pos vec.Vec3) {
	s.PreviousPosition = s.Position
	s.Position = pos
}

// SetRotation задаёт поворот без записи снимка
func (s *Ship) SetRotation(rot vec.Vec3) {
	s.PreviousRotation = s.Rotation
	s.Rotation = rot
}

// SetVelocity задаёт скорость
func (s *Ship) SetVelocity(vel vec.Vec3) { s.Velocity = vel }

// SetMaxSnapshotAge меняет предельный возраст снимков удалённого корабля
func (s *Ship) SetMaxSnapshotAge(maxAge time.Duration) {
	if s.snapshots != nil {
		s.snapshots.SetMaxAge(maxAge)
	}
}

// SnapshotCount возвращает число снимков в буфере (0 для локального корабля)
func (s *Ship) SnapshotCount() int {
	if s.snapshots == nil {
		return 0
	}
	return s.snapshots.Len()
}

// InterpolatedPose возвращает позу для рендера на момент now - delay.
// Для локального корабля и при недостатке снимков возвращается последнее известное состояние.
func (s *Ship) InterpolatedPose(now time.Time, delay time.Duration) snapshot.Pose {
	raw := snapshot.Pose{Position: s.Position, Rotation: s.Rotation}
	if !s.remote || s.snapshots == nil {
		return raw
	}
	pose, ok := s.snapshots.Interpolate(now.Add(-delay))
	if !ok {
		return raw
	}
	return pose
}

// InterpolatedPosition: позиция из InterpolatedPose
func (s *Ship) InterpolatedPosition(now time.Time, delay time.Duration) vec.Vec3 {
	return s.InterpolatedPose(now, delay).Position
}

// InterpolatedRotation: поворот из InterpolatedPose
func (s *Ship) InterpolatedRotation(now time.Time, delay time.Duration) vec.Vec3 {
	return s.InterpolatedPose(now, delay).Rotation
}

// IsStale сообщает, что последнее обновление старше maxAge
func (s *Ship) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// State возвращает копию состояния
func (s *Ship) State() State {
	return State{
		ParticipantID: s.ParticipantID,
		ZoneShipID:    s.ZoneShipID,
		Remote:        s.remote,
		Position:      s.Position,
		Rotation:      s.Rotation,
		Velocity:      s.Velocity,
		LastUpdate:    s.LastUpdate,
	}
}
