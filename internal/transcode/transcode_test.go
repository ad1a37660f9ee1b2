package transcode

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a shell script standing in for ffmpeg. The output path is
// the argument right before the trailing -y.
func fakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor a in \"$@\"; do dst=$prev; prev=$a; done\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestArgs(t *testing.T) {
	args := Args("in.webm", "out.mp4")
	joined := strings.Join(args, " ")

	assert.Equal(t, []string{"-i", "in.webm"}, args[:2])
	assert.Equal(t, "-y", args[len(args)-1])
	assert.Equal(t, "out.mp4", args[len(args)-2])
	for _, pair := range []string{"-map 0:v:0", "-c:v libx264", "-pix_fmt yuv420p", "-r 30", "-movflags +faststart"} {
		assert.Contains(t, joined, pair)
	}
}

func TestRun_Success(t *testing.T) {
	bin := fakeFFmpeg(t, `printf 'video' > "$dst"`)
	dst := filepath.Join(t.TempDir(), "out.mp4")

	tr := New(bin, 0, nil)
	require.NoError(t, tr.Run(context.Background(), "in.webm", dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))
}

func TestRun_NonZeroExit(t *testing.T) {
	bin := fakeFFmpeg(t, `echo "in.webm: Invalid data found when processing input" >&2; exit 1`)

	err := New(bin, 0, nil).Run(context.Background(), "in.webm", filepath.Join(t.TempDir(), "out.mp4"))
	var f *Failure
	require.True(t, errors.As(err, &f), "expected *Failure, got %v", err)
	assert.Equal(t, 1, f.ExitCode)
	assert.Contains(t, f.Stderr, "Invalid data found")
	assert.Contains(t, err.Error(), "Invalid data found")
}

func TestRun_EmptyOutput(t *testing.T) {
	bin := fakeFFmpeg(t, `: > "$dst"`)

	err := New(bin, 0, nil).Run(context.Background(), "in.webm", filepath.Join(t.TempDir(), "out.mp4"))
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, 0, f.ExitCode)
	assert.Contains(t, err.Error(), "output missing or empty")
}

func TestRun_Timeout(t *testing.T) {
	bin := fakeFFmpeg(t, `exec sleep 10`)

	start := time.Now()
	err := New(bin, 100*time.Millisecond, nil).Run(context.Background(), "in.webm", filepath.Join(t.TempDir(), "out.mp4"))
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_MissingBinary(t *testing.T) {
	err := New(filepath.Join(t.TempDir(), "nope"), 0, nil).Run(context.Background(), "in.webm", "out.mp4")
	var f *Failure
	require.True(t, errors.As(err, &f))
	assert.Equal(t, -1, f.ExitCode)
}

func TestRunAndProbe_RealFFmpeg(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg integration test in short mode")
	}
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not installed", bin)
		}
	}

	dir := t.TempDir()
	src := filepath.Join(dir, "src.webm")
	gen := exec.Command("ffmpeg", "-hide_banner", "-loglevel", "error", "-f", "lavfi",
		"-i", "testsrc=duration=1:size=160x120:rate=25", "-c:v", "libvpx", src, "-y")
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("cannot generate source clip: %v: %s", err, out)
	}

	dst := filepath.Join(dir, "out.mp4")
	tr := New("ffmpeg", time.Minute, nil)
	require.NoError(t, tr.Run(context.Background(), src, dst))

	info, err := tr.Probe(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, 160, info.Width)
	assert.Equal(t, 120, info.Height)
	assert.InDelta(t, 1.0, info.Duration, 0.2)
}
