package grbl

import (
	"fmt"
	"strconv"
	"strings"

	iFmt "github.com/fornellas/grblctl/internal/fmt"
)

type Coordinates struct {
	X float64
	Y float64
	Z float64
	A *float64
}

// NewCoordinatesFromStrValues creates a Coordinates from string values for X, Y, Z and A (optional).
// Values are parsed with a fixed '.' decimal point, regardless of host locale.
func NewCoordinatesFromStrValues(dataValues []string) (*Coordinates, error) {
	if len(dataValues) < 3 || len(dataValues) > 4 {
		return nil, fmt.Errorf("coordinates field malformed: %#v", dataValues)
	}

	values := make([]float64, len(dataValues))
	for i, dataValue := range dataValues {
		var err error
		values[i], err = strconv.ParseFloat(dataValue, 64)
		if err != nil {
			return nil, fmt.Errorf("coordinate %s invalid: %#v", Axes[i], dataValue)
		}
	}

	coordinates := &Coordinates{X: values[0], Y: values[1], Z: values[2]}
	if len(values) > 3 {
		coordinates.A = &values[3]
	}
	return coordinates, nil
}

// NewCoordinatesFromCSV creates a Coordinates struct from a string CSV: X,Y,Z,A (A is optional)
func NewCoordinatesFromCSV(s string) (*Coordinates, error) {
	return NewCoordinatesFromStrValues(strings.Split(s, ","))
}

// Axes supported, in report order.
var Axes = []string{"X", "Y", "Z", "A"}

// GetAxis returns a pointer to the axis value, or nil when c is nil or lacks the axis.
func (c *Coordinates) GetAxis(axis string) *float64 {
	if c == nil {
		return nil
	}
	switch axis {
	case "X":
		return &c.X
	case "Y":
		return &c.Y
	case "Z":
		return &c.Z
	case "A":
		return c.A
	}
	return nil
}

// Sub returns c - o. A is only kept when both have it.
func (c *Coordinates) Sub(o *Coordinates) *Coordinates {
	r := &Coordinates{X: c.X - o.X, Y: c.Y - o.Y, Z: c.Z - o.Z}
	if c.A != nil && o.A != nil {
		a := *c.A - *o.A
		r.A = &a
	}
	return r
}

// Add returns c + o. A is only kept when both have it.
func (c *Coordinates) Add(o *Coordinates) *Coordinates {
	r := &Coordinates{X: c.X + o.X, Y: c.Y + o.Y, Z: c.Z + o.Z}
	if c.A != nil && o.A != nil {
		a := *c.A + *o.A
		r.A = &a
	}
	return r
}

// Copy returns a deep copy.
func (c *Coordinates) Copy() *Coordinates {
	if c == nil {
		return nil
	}
	r := *c
	if c.A != nil {
		a := *c.A
		r.A = &a
	}
	return &r
}

func (c *Coordinates) String() string {
	s := fmt.Sprintf("X%s Y%s Z%s", iFmt.SprintFloat(c.X, 3), iFmt.SprintFloat(c.Y, 3), iFmt.SprintFloat(c.Z, 3))
	if c.A != nil {
		s += " A" + iFmt.SprintFloat(*c.A, 3)
	}
	return s
}
