package detector

import (
	"context"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/andresmejia3/facecollect/internal/worker"
	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(x1, y1, x2, y2, conf float64) types.Detection {
	return types.Detection{Box: types.Box{X1: x1, Y1: y1, X2: x2, Y2: y2}, Confidence: conf}
}

func TestSanitize(t *testing.T) {
	in := []types.Detection{
		det(10, 10, 60, 60, 0.9),            // kept
		det(-5, -3, 40, 40, 0.8),            // pulled to origin, kept
		det(10, 10, 10, 60, 0.9),            // zero width
		det(10, 60, 60, 10, 0.9),            // inverted
		det(math.NaN(), 0, 50, 50, 0.9),     // not finite
		det(0, 0, math.Inf(1), 50, 0.9),     // not finite
		det(0, 0, 5, 5, 0.9),                // below min size
		det(100, 100, 150, 150, math.NaN()), // bad confidence
		det(200, 20, 260, 90, 0.4),          // kept
	}

	got := sanitize(in, 20)
	require.Len(t, got, 3)
	assert.Equal(t, types.Box{X1: 10, Y1: 10, X2: 60, Y2: 60}, got[0].Box)
	assert.Equal(t, types.Box{X1: 0, Y1: 0, X2: 40, Y2: 40}, got[1].Box)
	assert.Equal(t, 200.0, got[2].Box.X1, "order must be preserved")
}

type stubDetector struct{ name string }

func (s *stubDetector) Name() string { return s.name }
func (s *stubDetector) Detect(types.Frame) ([]types.Detection, error) {
	return nil, nil
}
func (s *stubDetector) Close() error { return nil }

func withCascade(t *testing.T, fn func(path string, minSize int) (Detector, error)) {
	t.Helper()
	orig := openCascade
	openCascade = fn
	t.Cleanup(func() { openCascade = orig })
}

func TestLoaderFallsBackWhenEngineFails(t *testing.T) {
	withCascade(t, func(string, int) (Detector, error) {
		return &stubDetector{name: VariantClassical}, nil
	})

	l := &Loader{Engine: worker.Config{
		Command:        []string{"sh", "-c", "exit 1"},
		StartupTimeout: 5 * time.Second,
	}}
	d, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VariantClassical, d.Name())
}

func TestLoaderUsesEngine(t *testing.T) {
	withCascade(t, func(string, int) (Detector, error) {
		t.Fatal("cascade must not load when the engine is ready")
		return nil, nil
	})

	l := &Loader{Engine: worker.Config{
		Command:        []string{"sh", "-c", `printf '\000\000\000\001\000' >&3; cat >/dev/null`},
		StartupTimeout: 5 * time.Second,
	}}
	d, err := l.Load(context.Background())
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, VariantLearned, d.Name())
}

func TestLoaderNoDetector(t *testing.T) {
	l := &Loader{
		Engine:      worker.Config{Command: []string{"sh", "-c", "exit 1"}, StartupTimeout: 5 * time.Second},
		CascadePath: filepath.Join(t.TempDir(), "missing-facefinder"),
	}
	_, err := l.Load(context.Background())
	require.Error(t, err)

	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, VariantClassical, loadErr.Variant)
}

func TestLoaderWithoutEngineGoesStraightToCascade(t *testing.T) {
	calls := 0
	withCascade(t, func(path string, minSize int) (Detector, error) {
		calls++
		assert.Equal(t, "models/facefinder", path)
		assert.Equal(t, 32, minSize)
		return &stubDetector{name: VariantClassical}, nil
	})

	l := &Loader{CascadePath: "models/facefinder", MinFaceSize: 32}
	d, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VariantClassical, d.Name())
	assert.Equal(t, 1, calls)
}

func TestLearnedRejectsEmptyFrame(t *testing.T) {
	l := NewLearned(&worker.Engine{}, 0)
	_, err := l.Detect(types.Frame{})
	assert.Error(t, err)
}

func TestCascadeSmallFrame(t *testing.T) {
	c := &Cascade{minSize: DefaultMinFaceSize}
	dets, err := c.Detect(types.Frame{Image: image.NewGray(image.Rect(0, 0, 8, 8))})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestCascadeBoxes(t *testing.T) {
	raw := []pigo.Detection{
		{Row: 50, Col: 40, Scale: 30, Q: 9},   // kept
		{Row: 10, Col: 10, Scale: 30, Q: 2},   // below quality floor
		{Row: 5, Col: 5, Scale: 30, Q: 8},     // pulled to origin, kept
		{Row: 100, Col: 100, Scale: 10, Q: 9}, // below min size
	}

	got := cascadeBoxes(raw, 20)
	require.Len(t, got, 2)
	assert.Equal(t, types.Box{X1: 25, Y1: 35, X2: 55, Y2: 65}, got[0].Box)
	assert.Equal(t, types.Box{X1: 0, Y1: 0, X2: 20, Y2: 20}, got[1].Box)
	for _, d := range got {
		assert.Equal(t, 1.0, d.Confidence)
	}
}

// shippedCascade is the facefinder cascade used by the default config.
const shippedCascade = "../../models/facefinder"

func TestCascadeDetectsFaces(t *testing.T) {
	if _, err := os.Stat(shippedCascade); err != nil {
		t.Skipf("facefinder cascade not available: %v", err)
	}

	c, err := NewCascade(shippedCascade, DefaultMinFaceSize)
	require.NoError(t, err)
	defer c.Close()

	img, err := imaging.Open(filepath.Join("testdata", "sample.jpg"))
	require.NoError(t, err)
	bounds := img.Bounds()

	dets, err := c.Detect(types.Frame{Image: img})
	require.NoError(t, err)
	require.NotEmpty(t, dets, "the sample photo contains faces")

	for _, d := range dets {
		assert.Equal(t, 1.0, d.Confidence)
		assert.GreaterOrEqual(t, d.Box.X1, 0.0)
		assert.GreaterOrEqual(t, d.Box.Y1, 0.0)
		assert.Less(t, d.Box.X1, float64(bounds.Dx()))
		assert.Less(t, d.Box.Y1, float64(bounds.Dy()))
		assert.GreaterOrEqual(t, d.Box.Width(), float64(DefaultMinFaceSize))
		assert.GreaterOrEqual(t, d.Box.Height(), float64(DefaultMinFaceSize))
		if d.Box.X1 > 0 && d.Box.Y1 > 0 {
			assert.InDelta(t, d.Box.Width(), d.Box.Height(), 1e-9, "cascade boxes are square")
		}
	}

	// Same frame, same boxes in the same order
	again, err := c.Detect(types.Frame{Image: img})
	require.NoError(t, err)
	assert.Equal(t, dets, again)

	// A frame whose bounds do not start at the origin finds the same faces
	base := imaging.Clone(img)
	want, err := c.Detect(types.Frame{Image: base})
	require.NoError(t, err)
	shifted := &image.NRGBA{Pix: base.Pix, Stride: base.Stride, Rect: base.Rect.Add(image.Pt(7, 11))}
	moved, err := c.Detect(types.Frame{Image: shifted})
	require.NoError(t, err)
	assert.Equal(t, want, moved)
}

func TestLoaderWithShippedCascade(t *testing.T) {
	if _, err := os.Stat(shippedCascade); err != nil {
		t.Skipf("facefinder cascade not available: %v", err)
	}

	l := &Loader{CascadePath: shippedCascade}
	d, err := l.Load(context.Background())
	require.NoError(t, err)
	defer d.Close()
	assert.Equal(t, VariantClassical, d.Name())
}
