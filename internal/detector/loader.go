package detector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facecollect/internal/metrics"
	"github.com/andresmejia3/facecollect/internal/worker"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// openCascade is swapped out in tests, which have no cascade file on disk.
var openCascade = func(path string, minSize int) (Detector, error) {
	return NewCascade(path, minSize)
}

// Loader selects the detector for one extraction run.
type Loader struct {
	Engine      worker.Config // empty Command disables the learned variant
	CascadePath string
	MinFaceSize int
	Logger      *zap.Logger

	engineSeq atomic.Int64
}

// Load prefers the learned engine and falls back to the cascade when the
// engine cannot load its model. The returned detector serves the whole run.
func (l *Loader) Load(ctx context.Context) (Detector, error) {
	log := l.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var learnedErr error
	if len(l.Engine.Command) > 0 {
		id := int(l.engineSeq.Add(1))
		start := time.Now()
		engine, err := worker.NewEngine(ctx, id, l.Engine)
		if err == nil {
			log.Debug("learned detector ready",
				zap.Int("engine", id),
				zap.Duration("startup", time.Since(start)))
			metrics.DetectorLoadsTotal.WithLabelValues(VariantLearned).Inc()
			return NewLearned(engine, l.MinFaceSize), nil
		}
		learnedErr = &LoadError{Variant: VariantLearned, Err: err}
		metrics.DetectorFallbacksTotal.Inc()
		log.Warn("learned detector unavailable, using classical cascade for this run", zap.Error(learnedErr))
	}

	det, err := openCascade(l.CascadePath, l.MinFaceSize)
	if err != nil {
		loadErr := &LoadError{Variant: VariantClassical, Err: err}
		if learnedErr != nil {
			return nil, errors.Wrapf(loadErr, "no face detector available (%v)", learnedErr)
		}
		return nil, errors.Wrap(loadErr, "no face detector available")
	}
	metrics.DetectorLoadsTotal.WithLabelValues(VariantClassical).Inc()
	return det, nil
}
