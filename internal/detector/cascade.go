package detector

import (
	"os"

	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
	"github.com/pkg/errors"
)

const (
	// cascadeConfidence is reported for every cascade hit. The cascade score
	// is not a calibrated probability, so hits always clear the caller's threshold.
	cascadeConfidence = 1.0

	cascadeQuality     = 5.0 // minimum pigo Q score
	cascadeIoU         = 0.2
	cascadeShiftFactor = 0.1
	cascadeScaleFactor = 1.1
)

// Cascade is the classical fallback detector.
type Cascade struct {
	classifier *pigo.Pigo
	minSize    int
}

// NewCascade unpacks the pigo face-finder cascade stored at path.
func NewCascade(path string, minSize int) (*Cascade, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read cascade")
	}
	classifier, err := pigo.NewPigo().Unpack(data)
	if err != nil {
		return nil, errors.Wrap(err, "unpack cascade")
	}
	if minSize <= 0 {
		minSize = DefaultMinFaceSize
	}
	return &Cascade{classifier: classifier, minSize: minSize}, nil
}

func (c *Cascade) Name() string { return VariantClassical }

// Detect runs the cascade over a grayscale copy of the frame.
func (c *Cascade) Detect(frame types.Frame) ([]types.Detection, error) {
	if frame.Image == nil {
		return nil, errors.New("frame has no image")
	}

	// Clone rebases the image at (0,0), which pigo assumes.
	src := imaging.Clone(frame.Image)
	cols, rows := src.Bounds().Dx(), src.Bounds().Dy()
	if cols < c.minSize || rows < c.minSize {
		return nil, nil
	}

	params := pigo.CascadeParams{
		MinSize:     c.minSize,
		MaxSize:     min(cols, rows),
		ShiftFactor: cascadeShiftFactor,
		ScaleFactor: cascadeScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(src),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	raw := c.classifier.RunCascade(params, 0)
	raw = c.classifier.ClusterDetections(raw, cascadeIoU)
	return cascadeBoxes(raw, c.minSize), nil
}

// cascadeBoxes turns pigo hits (centre and side length) into square boxes,
// dropping hits below the quality floor. Scan order is kept.
func cascadeBoxes(raw []pigo.Detection, minSize int) []types.Detection {
	dets := make([]types.Detection, 0, len(raw))
	for _, d := range raw {
		if d.Q < cascadeQuality {
			continue
		}
		half := float64(d.Scale) / 2
		dets = append(dets, types.Detection{
			Box: types.Box{
				X1: float64(d.Col) - half,
				Y1: float64(d.Row) - half,
				X2: float64(d.Col) + half,
				Y2: float64(d.Row) + half,
			},
			Confidence: cascadeConfidence,
		})
	}
	return sanitize(dets, minSize)
}

func (c *Cascade) Close() error { return nil }
