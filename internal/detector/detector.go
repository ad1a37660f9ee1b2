// Package detector finds faces in decoded frames.
//
// Two interchangeable variants exist: Learned, backed by a model running in
// an engine process, and Cascade, a classical pixel-intensity cascade used
// when the model cannot be loaded. A Loader picks one per extraction run and
// the choice never changes during that run.
package detector

import (
	"fmt"
	"math"

	"github.com/andresmejia3/facecollect/internal/types"
)

const (
	VariantLearned   = "learned"
	VariantClassical = "classical"

	// DefaultMinFaceSize is the smallest box side, in pixels, kept by either variant.
	DefaultMinFaceSize = 20
)

// Detector returns the faces found in one frame. Detections come back in the
// variant's native order and are never re-sorted, because tile names embed
// each detection's position.
type Detector interface {
	Name() string
	Detect(frame types.Frame) ([]types.Detection, error)
	Close() error
}

// LoadError reports a detector variant that could not be made ready.
type LoadError struct {
	Variant string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s detector: %v", e.Variant, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// sanitize drops boxes that are not finite, have no area or are smaller than
// minSize on either side. Negative coordinates are pulled up to zero first.
// Order is preserved.
func sanitize(dets []types.Detection, minSize int) []types.Detection {
	out := dets[:0]
	for _, d := range dets {
		b := d.Box
		if !finite(b.X1) || !finite(b.Y1) || !finite(b.X2) || !finite(b.Y2) || !finite(d.Confidence) {
			continue
		}
		b.X1 = math.Max(0, b.X1)
		b.Y1 = math.Max(0, b.Y1)
		if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
			continue
		}
		if b.Width() < float64(minSize) || b.Height() < float64(minSize) {
			continue
		}
		d.Box = b
		out = append(out, d)
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
