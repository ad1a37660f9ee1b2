package detector

import (
	"bytes"
	"image/jpeg"

	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/andresmejia3/facecollect/internal/worker"
	"github.com/pkg/errors"
)

// Learned sends frames to a model engine process.
type Learned struct {
	engine  *worker.Engine
	minSize int
}

// NewLearned wraps an engine that already reported its model as loaded.
func NewLearned(engine *worker.Engine, minSize int) *Learned {
	if minSize <= 0 {
		minSize = DefaultMinFaceSize
	}
	return &Learned{engine: engine, minSize: minSize}
}

func (l *Learned) Name() string { return VariantLearned }

// Detect forwards the frame's encoded bytes, re-encoding only when the
// decoder did not keep them.
func (l *Learned) Detect(frame types.Frame) ([]types.Detection, error) {
	data := frame.Data
	if len(data) == 0 {
		if frame.Image == nil {
			return nil, errors.New("frame has no image")
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 95}); err != nil {
			return nil, errors.Wrap(err, "encode frame")
		}
		data = buf.Bytes()
	}

	dets, err := l.engine.Detect(data)
	if err != nil {
		return nil, errors.Wrapf(err, "engine %d", l.engine.ID)
	}
	return sanitize(dets, l.minSize), nil
}

func (l *Learned) Close() error {
	l.engine.Close()
	return nil
}
