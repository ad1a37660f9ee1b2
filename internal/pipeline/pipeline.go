// Package pipeline extracts a face dataset from one video:
// sample frames, detect faces, pad and clamp each box, normalize the crop and
// write it as a tile.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/facecollect/internal/detector"
	"github.com/andresmejia3/facecollect/internal/metrics"
	"github.com/andresmejia3/facecollect/internal/normalize"
	"github.com/andresmejia3/facecollect/internal/sampler"
	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/andresmejia3/facecollect/internal/video"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TilePattern matches every tile file written by the extractor.
const TilePattern = "face_*.png"

// DetectorLoader provides the detector for one run.
type DetectorLoader interface {
	Load(ctx context.Context) (detector.Detector, error)
}

// ProgressFunc is called after each sampled frame with the number of sampled
// frames handled so far and the total for the video.
type ProgressFunc func(done, total int)

// Extractor is the extraction orchestrator. It is safe for concurrent use;
// every call loads its own detector.
type Extractor struct {
	opener   video.Opener
	loader   DetectorLoader
	logger   *zap.Logger
	progress ProgressFunc
	now      func() time.Time
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Extractor) { e.progress = fn }
}

// New builds an Extractor.
func New(opener video.Opener, loader DetectorLoader, logger *zap.Logger, opts ...Option) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Extractor{
		opener: opener,
		loader: loader,
		logger: logger.Named("pipeline"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract runs the pipeline for job and returns the number of tiles written.
//
// A video that cannot be opened yields (0, nil). Frames that fail to decode,
// frames the detector rejects and crops that do not normalize are skipped.
// Tiles already written stay on disk if a later step fails.
func (e *Extractor) Extract(ctx context.Context, job types.ExtractionJob) (int, error) {
	log := e.logger.With(zap.String("session", job.SessionID), zap.String("video", job.VideoPath))

	if err := os.MkdirAll(job.OutputDir, 0755); err != nil {
		return 0, errors.Wrap(err, "create output directory")
	}

	v, err := e.opener.Open(ctx, job.VideoPath)
	if err != nil {
		var openErr *video.OpenError
		if errors.As(err, &openErr) {
			log.Warn("video could not be opened, no faces extracted", zap.Error(err))
			return 0, nil
		}
		return 0, errors.Wrap(err, "open video")
	}
	defer func() {
		if err := v.Close(); err != nil {
			log.Debug("closing video", zap.Error(err))
		}
	}()

	det, err := e.loader.Load(ctx)
	if err != nil {
		return 0, err
	}
	defer det.Close()

	indices := sampler.Indices(v.FrameCount())
	log.Info("extraction started",
		zap.String("detector", det.Name()),
		zap.Int("frames", v.FrameCount()),
		zap.Int("sampled", len(indices)))

	w := &tileWriter{dir: job.OutputDir, stamp: e.now().UnixNano()}
	for n, idx := range indices {
		if err := ctx.Err(); err != nil {
			return w.count, errors.Wrapf(err, "extraction stopped after %d tiles", w.count)
		}

		frame, err := v.Frame(idx)
		if errors.Is(err, io.EOF) {
			log.Debug("video ended before its probed frame count", zap.Int("frame", idx))
			break
		}
		if err != nil {
			metrics.FramesSkippedTotal.WithLabelValues("decode").Inc()
			log.Debug("skipping frame", zap.Int("frame", idx), zap.Error(err))
			e.report(n+1, len(indices))
			continue
		}

		if err := e.processFrame(det, frame, job, w, log); err != nil {
			return w.count, err
		}
		e.report(n+1, len(indices))
	}

	metrics.FacesSavedTotal.Add(float64(w.count))
	log.Info("extraction finished", zap.Int("faces", w.count))
	return w.count, nil
}

func (e *Extractor) processFrame(det detector.Detector, frame types.Frame, job types.ExtractionJob, w *tileWriter, log *zap.Logger) error {
	dets, err := det.Detect(frame)
	if err != nil {
		metrics.FramesSkippedTotal.WithLabelValues("detect").Inc()
		log.Warn("detector failed on frame", zap.Int("frame", frame.Index), zap.Error(err))
		return nil
	}

	bounds := frame.Image.Bounds()
	for i, d := range dets {
		if d.Confidence < job.ConfidenceThreshold {
			continue
		}
		rect, ok := PadAndClamp(d.Box, job.PaddingRatio, bounds.Dx(), bounds.Dy())
		if !ok {
			continue
		}

		crop := imaging.Crop(frame.Image, rect.Add(bounds.Min))
		tile := normalize.Normalize(crop)
		if tile == nil {
			log.Debug("crop did not normalize", zap.Int("frame", frame.Index), zap.Int("detection", i))
			continue
		}

		if err := w.write(frame.Index, i, tile); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) report(done, total int) {
	if e.progress != nil {
		e.progress(done, total)
	}
}

// PadAndClamp grows box by ratio*width on each side horizontally and
// ratio*height vertically, then clamps it to the frame. The result is
// half-open like image.Rectangle, so it covers pixels in [0,width) x
// [0,height) and a box touching the far edge keeps the last column and row.
// ok is false when the result has no area.
func PadAndClamp(box types.Box, ratio float64, width, height int) (image.Rectangle, bool) {
	if width <= 0 || height <= 0 {
		return image.Rectangle{}, false
	}
	padX := ratio * box.Width()
	padY := ratio * box.Height()

	x1 := clamp(math.Floor(box.X1-padX), width)
	y1 := clamp(math.Floor(box.Y1-padY), height)
	x2 := clamp(math.Ceil(box.X2+padX), width)
	y2 := clamp(math.Ceil(box.Y2+padY), height)

	if x2 <= x1 || y2 <= y1 {
		return image.Rectangle{}, false
	}
	return image.Rect(x1, y1, x2, y2), true
}

// clamp bounds a rectangle edge to [0,size].
func clamp(v float64, size int) int {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > float64(size):
		return size
	default:
		return int(v)
	}
}

// tileWriter names and saves tiles for one run. stamp separates reruns into
// the same directory; seq keeps names unique within the run.
type tileWriter struct {
	dir   string
	stamp int64
	seq   int
	count int
}

// TileName encodes frame index, detection index, run stamp and sequence number.
func TileName(frame, detection int, stamp int64, seq int) string {
	return fmt.Sprintf("face_%06d_%02d_%d_%04d.png", frame, detection, stamp, seq)
}

func (w *tileWriter) write(frame, detection int, tile *image.Gray) error {
	path := filepath.Join(w.dir, TileName(frame, detection, w.stamp, w.seq))
	w.seq++
	if err := imaging.Save(tile, path); err != nil {
		return errors.Wrapf(err, "write tile %s", path)
	}
	w.count++
	return nil
}
