// Package geometry computes per-element spatial metadata.
package geometry

import (
	"math"

	"github.com/slidelab/slideannot/internal/types"
)

// BBox maps an element description to its axis-aligned bounding box plus a
// complexity measure (details) and the diagonal length (size). It is a pure
// function of the element geometry; style fields are ignored.
func BBox(e *types.Element) types.BBox {
	var b types.BBox
	switch e.Type {
	case types.ElementRectangle, types.ElementEllipse, types.ElementRectangleGrid:
		hx, hy := *e.Width/2, *e.Height/2
		if e.Rotation != nil && *e.Rotation != 0 {
			c := math.Abs(math.Cos(*e.Rotation))
			s := math.Abs(math.Sin(*e.Rotation))
			hx = (c**e.Width + s**e.Height) / 2
			hy = (s**e.Width + c**e.Height) / 2
		}
		b = boxAround(e.Center, hx, hy)
		b.Details = 4
	case types.ElementCircle:
		b = boxAround(e.Center, *e.Radius, *e.Radius)
		b.Details = 4
	case types.ElementGridData:
		rows := (len(e.Values) + *e.GridWidth - 1) / *e.GridWidth
		x1 := e.Origin[0] + *e.DX*float64(*e.GridWidth-1)
		y1 := e.Origin[1] + *e.DY*float64(rows-1)
		b.LowX, b.HighX = math.Min(e.Origin[0], x1), math.Max(e.Origin[0], x1)
		b.LowY, b.HighY = math.Min(e.Origin[1], y1), math.Max(e.Origin[1], y1)
		b.LowZ, b.HighZ = e.Origin[2], e.Origin[2]
		b.Details = int64(len(e.Values))
	default:
		if len(e.Points) > 0 {
			b = boxOfPoints(e.Points)
			for _, hole := range e.Holes {
				hb := boxOfPoints(hole)
				b = merge(b, hb)
			}
			b.Details = int64(len(e.Points))
		} else {
			// Point-like: a degenerate half-pixel box.
			b = boxAround(e.Center, 0.5, 0.5)
			b.Details = 1
		}
	}
	if b.Details < 1 {
		b.Details = 1
	}
	dx, dy := b.HighX-b.LowX, b.HighY-b.LowY
	b.Size = math.Sqrt(dx*dx + dy*dy)
	return b
}

func boxAround(center []float64, hx, hy float64) types.BBox {
	return types.BBox{
		LowX: center[0] - hx, HighX: center[0] + hx,
		LowY: center[1] - hy, HighY: center[1] + hy,
		LowZ: center[2], HighZ: center[2],
	}
}

func boxOfPoints(points [][]float64) types.BBox {
	b := types.BBox{
		LowX: math.Inf(1), LowY: math.Inf(1), LowZ: math.Inf(1),
		HighX: math.Inf(-1), HighY: math.Inf(-1), HighZ: math.Inf(-1),
	}
	for _, p := range points {
		b.LowX = math.Min(b.LowX, p[0])
		b.HighX = math.Max(b.HighX, p[0])
		b.LowY = math.Min(b.LowY, p[1])
		b.HighY = math.Max(b.HighY, p[1])
		b.LowZ = math.Min(b.LowZ, p[2])
		b.HighZ = math.Max(b.HighZ, p[2])
	}
	return b
}

func merge(a, b types.BBox) types.BBox {
	return types.BBox{
		LowX: math.Min(a.LowX, b.LowX), HighX: math.Max(a.HighX, b.HighX),
		LowY: math.Min(a.LowY, b.LowY), HighY: math.Max(a.HighY, b.HighY),
		LowZ: math.Min(a.LowZ, b.LowZ), HighZ: math.Max(a.HighZ, b.HighZ),
	}
}
