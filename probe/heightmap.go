package probe

import (
	"context"
	"errors"
	"fmt"
)

var ErrNotEnoughPoints = errors.New("probe: height map needs at least 3 points per axis")

// HeightMap is a grid of surface heights over a rectangle, used to compensate uneven stock.
type HeightMap struct {
	x0, y0  float64
	x1, y1  float64
	spacing float64

	columns int
	rows    int
	z       [][]float64
	probed  bool
}

// NewHeightMap creates a grid over the rectangle x0,y0 x1,y1 with points at most spacing apart.
func NewHeightMap(x0, y0, x1, y1, spacing float64) (*HeightMap, error) {
	if spacing <= 0 {
		return nil, fmt.Errorf("probe: height map spacing must be positive, got %v", spacing)
	}
	if x1 < x0 {
		x0, x1 = x1, x0
	}
	if y1 < y0 {
		y0, y1 = y1, y0
	}
	if x0 == x1 || y0 == y1 {
		return nil, fmt.Errorf("probe: height map area is empty")
	}
	h := &HeightMap{
		x0: x0, y0: y0,
		x1: x1, y1: y1,
		spacing: spacing,
		columns: int((x1 - x0) / spacing),
		rows:    int((y1 - y0) / spacing),
	}
	if h.columns+1 < 3 || h.rows+1 < 3 {
		return nil, ErrNotEnoughPoints
	}
	h.z = make([][]float64, h.columns+1)
	for i := range h.z {
		h.z[i] = make([]float64, h.rows+1)
	}
	return h, nil
}

func (h *HeightMap) point(i, j int) (float64, float64) {
	return h.x0 + float64(i)*(h.x1-h.x0)/float64(h.columns),
		h.y0 + float64(j)*(h.y1-h.y0)/float64(h.rows)
}

// Probe measures every point with probeFn. Columns are walked in alternating directions to shorten
// travel.
func (h *HeightMap) Probe(
	ctx context.Context,
	probeFn func(ctx context.Context, x, y float64) (float64, error),
) error {
	for i := range h.columns + 1 {
		for k := range h.rows + 1 {
			j := k
			if i%2 == 1 {
				j = h.rows - k
			}
			x, y := h.point(i, j)
			z, err := probeFn(ctx, x, y)
			if err != nil {
				return err
			}
			h.z[i][j] = z
		}
	}
	h.probed = true
	return nil
}

// Points returns every probed point as x, y, z.
func (h *HeightMap) Points() [][3]float64 {
	points := make([][3]float64, 0, (h.columns+1)*(h.rows+1))
	for i := range h.columns + 1 {
		for j := range h.rows + 1 {
			x, y := h.point(i, j)
			points = append(points, [3]float64{x, y, h.z[i][j]})
		}
	}
	return points
}

// Height returns the bilinear interpolated height at x, y, or nil outside the grid or before it
// was probed.
func (h *HeightMap) Height(x, y float64) *float64 {
	if !h.probed || x < h.x0 || x > h.x1 || y < h.y0 || y > h.y1 {
		return nil
	}

	i := (x - h.x0) / (h.x1 - h.x0) * float64(h.columns)
	j := (y - h.y0) / (h.y1 - h.y0) * float64(h.rows)
	i0 := min(int(i), h.columns-1)
	j0 := min(int(j), h.rows-1)

	fx := i - float64(i0)
	fy := j - float64(j0)
	bottom := h.z[i0][j0]*(1-fx) + h.z[i0+1][j0]*fx
	top := h.z[i0][j0+1]*(1-fx) + h.z[i0+1][j0+1]*fx
	z := bottom*(1-fy) + top*fy
	return &z
}
