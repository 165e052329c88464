// Package snapshot хранит временные снимки состояния удалённой сущности и
// восстанавливает по ним сглаженную позу с задержкой рендеринга.
package snapshot

import (
	"time"

	"github.com/annel0/sector-sync/internal/vec"
)

// DefaultMaxAge: максимальный возраст снимка относительно последней вставки
const DefaultMaxAge = 1000 * time.Millisecond

// Snapshot: неизменяемый снимок состояния, полученный по сети
type Snapshot struct {
	Position  vec.Vec3
	Rotation  vec.Vec3
	Velocity  vec.Vec3
	Timestamp time.Time
}

// Pose: результат интерполяции
type Pose struct {
	Position vec.Vec3
	Rotation vec.Vec3
}

func (s Snapshot) pose() Pose {
	return Pose{Position: s.Position, Rotation: s.Rotation}
}

// Buffer: упорядоченная по порядку поступления (старые первыми) последовательность снимков
// с ограничением по возрасту. Не потокобезопасен: синхронизацию обеспечивает владелец.
type Buffer struct {
	samples []Snapshot
	maxAge  time.Duration
}

// NewBuffer создаёт пустой буфер. maxAge <= 0 означает DefaultMaxAge.
func NewBuffer(maxAge time.Duration) *Buffer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Buffer{
		samples: make([]Snapshot, 0, 32),
		maxAge:  maxAge,
	}
}

// SetMaxAge меняет максимальный возраст; применяется при следующей вставке
func (b *Buffer) SetMaxAge(maxAge time.Duration) {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	b.maxAge = maxAge
}

// MaxAge возвращает текущий максимальный возраст снимков
func (b *Buffer) MaxAge() time.Duration { return b.maxAge }

// Len возвращает количество снимков в буфере
func (b *Buffer) Len() int { return len(b.samples) }

// Latest возвращает последний поступивший снимок
func (b *Buffer) Latest() (Snapshot, bool) {
	if len(b.samples) == 0 {
		return Snapshot{}, false
	}
	return b.samples[len(b.samples)-1], true
}

// Samples возвращает копию содержимого буфера
func (b *Buffer) Samples() []Snapshot {
	out := make([]Snapshot, len(b.samples))
	copy(out, b.samples)
	return out
}

// Ingest добавляет снимок в конец буфера и удаляет все снимки старше s.Timestamp - maxAge.
// Снимки, пришедшие не по порядку, не переупорядочиваются.
func (b *Buffer) Ingest(s Snapshot) {
	b.samples = append(b.samples, s)

	cutoff := s.Timestamp.Add(-b.maxAge)
	kept := b.samples[:0]
	for _, existing := range b.samples {
		if existing.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, existing)
	}
	// Обнуляем хвост, чтобы не держать старые значения в массиве
	for i := len(kept); i < len(b.samples); i++ {
		b.samples[i] = Snapshot{}
	}
	b.samples = kept
}

// Interpolate возвращает позу на момент renderTime. false — меньше двух снимков.
//
// Ищется первая соседняя пара older.ts <= renderTime <= newer.ts; результат — линейная
// интерполяция позиции и поворота. Если renderTime позже самого нового снимка, возвращается
// он сам без экстраполяции; если раньше самого старого — самый старый.
func (b *Buffer) Interpolate(renderTime time.Time) (Pose, bool) {
	if len(b.samples) < 2 {
		return Pose{}, false
	}

	for i := 0; i+1 < len(b.samples); i++ {
		older, newer := b.samples[i], b.samples[i+1]
		if renderTime.Before(older.Timestamp) || renderTime.After(newer.Timestamp) {
			continue
		}
		t := fraction(older.Timestamp, newer.Timestamp, renderTime)
		return Pose{
			Position: vec.Lerp(older.Position, newer.Position, t),
			Rotation: vec.Lerp(older.Rotation, newer.Rotation, t),
		}, true
	}

	oldest, newest := b.samples[0], b.samples[0]
	for _, s := range b.samples[1:] {
		if s.Timestamp.Before(oldest.Timestamp) {
			oldest = s
		}
		if !s.Timestamp.Before(newest.Timestamp) {
			newest = s
		}
	}
	if renderTime.Before(oldest.Timestamp) {
		return oldest.pose(), true
	}
	if !renderTime.Before(newest.Timestamp) {
		return newest.pose(), true
	}
	// Пропуск внутри диапазона возможен только при неупорядоченном буфере
	last := b.samples[len(b.samples)-1]
	return last.pose(), true
}

func fraction(from, to, at time.Time) float32 {
	span := to.Sub(from)
	if span <= 0 {
		return 0
	}
	t := float64(at.Sub(from)) / float64(span)
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return float32(t)
}
