package vec

// Bounds описывает границы мира по осям.
// Все позиции, отдаваемые на рендер или отправляемые серверу,
// обрезаются до этих границ.
type Bounds struct {
	Min Vec3Float
	Max Vec3Float
}

// DefaultWorldBounds возвращает границы мира по умолчанию
func DefaultWorldBounds() Bounds {
	return Bounds{
		Min: Vec3Float{X: -250, Y: 0, Z: -250},
		Max: Vec3Float{X: 250, Y: 64, Z: 250},
	}
}

// Clamp обрезает вектор до границ
func (b Bounds) Clamp(v Vec3Float) Vec3Float {
	return Vec3Float{
		X: clamp(v.X, b.Min.X, b.Max.X),
		Y: clamp(v.Y, b.Min.Y, b.Max.Y),
		Z: clamp(v.Z, b.Min.Z, b.Max.Z),
	}
}

// Contains проверяет, что точка находится внутри границ
func (b Bounds) Contains(v Vec3Float) bool {
	return v.X >= b.Min.X && v.X <= b.Max.X &&
		v.Y >= b.Min.Y && v.Y <= b.Max.Y &&
		v.Z >= b.Min.Z && v.Z <= b.Max.Z
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
