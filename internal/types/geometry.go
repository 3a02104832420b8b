package types

import "fmt"

// Rect is an axis-aligned rectangle on the canvas.
// It covers the half-open region [X, X+Width) x [Y, Y+Height).
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Pixels returns the number of pixels the rectangle covers
func (r Rect) Pixels() int {
	return r.Width * r.Height
}

// Overlaps reports whether two rectangles share at least one pixel.
// Two rectangles do not overlap only if one lies entirely to the left,
// right, above, or below the other.
func (r Rect) Overlaps(other Rect) bool {
	if r.X+r.Width <= other.X || other.X+other.Width <= r.X {
		return false
	}
	if r.Y+r.Height <= other.Y || other.Y+other.Height <= r.Y {
		return false
	}
	return true
}

// CanvasSpec describes the canvas geometry rules
type CanvasSpec struct {
	Size     int // canvas edge length in pixels
	GridUnit int // placements must be aligned to this unit
}

// Validate checks a candidate rectangle against the canvas rules.
// Returns a ServiceError with code VALIDATION_ERROR for out-of-range,
// non-grid-aligned, or oversized geometry.
func (c CanvasSpec) Validate(r Rect) error {
	if r.X < 0 || r.Y < 0 || r.Width <= 0 || r.Height <= 0 {
		return geometryError("coordinates must be non-negative and dimensions positive", r)
	}
	if r.X+r.Width > c.Size || r.Y+r.Height > c.Size {
		return geometryError(fmt.Sprintf("rectangle exceeds canvas bounds of %dx%d", c.Size, c.Size), r)
	}
	if r.Width > c.Size/2 || r.Height > c.Size/2 {
		return geometryError(fmt.Sprintf("width and height may not exceed %d pixels", c.Size/2), r)
	}
	if r.X%c.GridUnit != 0 || r.Y%c.GridUnit != 0 {
		return geometryError(fmt.Sprintf("position must be aligned to the %d pixel grid", c.GridUnit), r)
	}
	if r.Width%c.GridUnit != 0 || r.Height%c.GridUnit != 0 {
		return geometryError(fmt.Sprintf("dimensions must be multiples of the %d pixel grid", c.GridUnit), r)
	}
	return nil
}

func geometryError(reason string, r Rect) error {
	return &ServiceError{
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("invalid placement geometry: %s", reason),
		Details: map[string]interface{}{
			"x":      r.X,
			"y":      r.Y,
			"width":  r.Width,
			"height": r.Height,
		},
	}
}
