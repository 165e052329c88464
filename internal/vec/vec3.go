package vec

import "math"

// Vec3 представляет трехмерный вектор (позиция, поворот или скорость)
type Vec3 struct {
	X float32
	Y float32
	Z float32
}

// Zero: нулевой вектор
var Zero = Vec3{}

// New создает вектор из трех компонент
func New(x, y, z float32) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

// FromSlice создает вектор из среза длиной 3
func FromSlice(s []float32) (Vec3, bool) {
	if len(s) != 3 {
		return Vec3{}, false
	}
	return Vec3{X: s[0], Y: s[1], Z: s[2]}, true
}

// Slice возвращает компоненты вектора в виде среза
func (v Vec3) Slice() []float32 {
	return []float32{v.X, v.Y, v.Z}
}

// Add складывает два вектора
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// Sub вычитает вектор
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Mul умножает вектор на скаляр
func (v Vec3) Mul(scalar float32) Vec3 {
	return Vec3{X: v.X * scalar, Y: v.Y * scalar, Z: v.Z * scalar}
}

// Length возвращает длину вектора
func (v Vec3) Length() float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
}

// DistanceTo вычисляет расстояние до другой точки
func (v Vec3) DistanceTo(other Vec3) float32 {
	return v.Sub(other).Length()
}

// Equals проверяет равенство векторов
func (v Vec3) Equals(other Vec3) bool {
	return v.X == other.X && v.Y == other.Y && v.Z == other.Z
}

// Lerp: покомпонентная линейная интерполяция a→b. t не ограничивается.
func Lerp(a, b Vec3, t float32) Vec3 {
	return Vec3{
		X: a.X + (b.X-a.X)*t,
		Y: a.Y + (b.Y-a.Y)*t,
		Z: a.Z + (b.Z-a.Z)*t,
	}
}
