package video

import (
	"bufio"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJpeg(t *testing.T) {
	// Construct a stream containing: [Garbage] [JPEG] [Garbage]
	// SOI (Start of Image): FF D8
	// EOI (End of Image):   FF D9

	jpegData := []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}

	streamData := []byte{0x00, 0x00} // Garbage at start
	streamData = append(streamData, jpegData...)
	streamData = append(streamData, []byte{0x00, 0x00}...) // Garbage at end

	scanner := bufio.NewScanner(bytes.NewReader(streamData))
	scanner.Split(SplitJpeg)

	// Scan() should skip the first garbage bytes and find the JPEG
	if !scanner.Scan() {
		t.Fatal("Expected to find a token, got EOF")
	}

	if !bytes.Equal(scanner.Bytes(), jpegData) {
		t.Errorf("Expected %X, got %X", jpegData, scanner.Bytes())
	}

	// The trailing garbage is not a JPEG
	if scanner.Scan() {
		t.Error("Expected only one token, found more")
	}
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestDecodeFrame(t *testing.T) {
	data := encodeJPEG(t, 32, 24)

	frame, err := DecodeFrame(7, data)
	require.NoError(t, err)
	assert.Equal(t, 7, frame.Index)
	assert.Equal(t, 32, frame.Image.Bounds().Dx())
	assert.Equal(t, 24, frame.Image.Bounds().Dy())

	// The frame owns its bytes; the scanner buffer gets reused.
	data[0] = 0x00
	assert.Equal(t, byte(0xFF), frame.Data[0])
}

func TestDecodeFrameCorrupt(t *testing.T) {
	_, err := DecodeFrame(3, []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9})
	require.Error(t, err)

	var decodeErr *FrameDecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, 3, decodeErr.Index)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := NewFFmpeg(nil).Open(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr), "expected OpenError, got %v", err)
}

func TestOpenDirectory(t *testing.T) {
	_, err := NewFFmpeg(nil).Open(context.Background(), t.TempDir())

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr), "expected OpenError, got %v", err)
}

// TestStreamIntegration decodes a synthetic clip rendered by ffmpeg itself.
func TestStreamIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}

	path := filepath.Join(t.TempDir(), "clip.mp4")
	gen := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=size=160x120:rate=30",
		"-frames:v", "30", "-c:v", "libx264", "-pix_fmt", "yuv420p", "-y", path)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot render test clip: %v (%s)", err, out)
	}

	v, err := NewFFmpeg(nil).Open(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, 30, v.FrameCount())

	frame, err := v.Frame(0)
	require.NoError(t, err)
	assert.Equal(t, 160, frame.Image.Bounds().Dx())

	frame, err = v.Frame(14)
	require.NoError(t, err)
	assert.Equal(t, 14, frame.Index)

	_, err = v.Frame(10)
	assert.Error(t, err, "going backwards must fail")

	frame, err = v.Frame(29)
	require.NoError(t, err)
	assert.Equal(t, 29, frame.Index)

	_, err = v.Frame(30)
	assert.ErrorIs(t, err, io.EOF)

	assert.NoError(t, v.Close())
}

func TestStreamCloseEarly(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}

	path := filepath.Join(t.TempDir(), "clip.mp4")
	gen := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=size=640x480:rate=30",
		"-frames:v", "300", "-c:v", "libx264", "-pix_fmt", "yuv420p", "-y", path)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot render test clip: %v (%s)", err, out)
	}

	v, err := NewFFmpeg(nil).Open(context.Background(), path)
	require.NoError(t, err)

	_, err = v.Frame(0)
	require.NoError(t, err)

	// Closing with most of the stream unread must not hang or report the kill.
	assert.NoError(t, v.Close())
}
