// Package transcode converts uploaded recordings into the canonical format the
// extractor reads: H.264 video, yuv420p, 30 fps, moov atom up front.
package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/facecollect/internal/metrics"
	"github.com/andresmejia3/facecollect/internal/utils"
	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"
)

// stderrTail bounds how much ffmpeg output a Failure carries.
const stderrTail = 2048

// Failure is returned when ffmpeg exits non-zero or leaves no usable output.
type Failure struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("transcode failed (exit %d)", f.ExitCode)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	if f.Stderr != "" {
		msg += ": " + lastLine(f.Stderr)
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Transcoder runs ffmpeg to produce canonical videos.
type Transcoder struct {
	Binary      string
	ProbeBinary string
	Timeout     time.Duration // zero means no limit
	Logger      *zap.Logger
}

// New returns a Transcoder using binary (ffmpeg when empty).
func New(binary string, timeout time.Duration, logger *zap.Logger) *Transcoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcoder{Binary: binary, ProbeBinary: "ffprobe", Timeout: timeout, Logger: logger.Named("transcode")}
}

// Args returns the ffmpeg argument list converting src into dst.
func Args(src, dst string) []string {
	return ffmpeg.Input(src).
		Output(dst, ffmpeg.KwArgs{
			"map":      "0:v:0",
			"c:v":      "libx264",
			"pix_fmt":  "yuv420p",
			"r":        30,
			"movflags": "+faststart",
		}).
		OverWriteOutput().
		GetArgs()
}

// Run converts src into dst, overwriting dst. Any failure, including a
// timeout, is reported as a *Failure.
func (t *Transcoder) Run(ctx context.Context, src, dst string) error {
	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := utils.NewSafeCommand(ctx, t.Binary, Args(src, dst)...)
	err := cmd.Run()
	metrics.TranscodeDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			err = errors.Wrapf(ctx.Err(), "ffmpeg did not finish within %s", t.Timeout)
		}
		return t.fail(&Failure{ExitCode: cmd.ExitCode(), Stderr: tail(cmd.Stderr), Err: err}, src)
	}

	info, statErr := os.Stat(dst)
	if statErr != nil || info.Size() == 0 {
		return t.fail(&Failure{ExitCode: cmd.ExitCode(), Stderr: tail(cmd.Stderr), Err: errors.New("output missing or empty")}, src)
	}

	metrics.TranscodesTotal.WithLabelValues("ok").Inc()
	t.Logger.Info("transcoded", zap.String("src", src), zap.String("dst", dst), zap.Duration("took", time.Since(start)))
	return nil
}

func (t *Transcoder) fail(f *Failure, src string) error {
	metrics.TranscodesTotal.WithLabelValues("failed").Inc()
	t.Logger.Warn("transcode failed",
		zap.String("src", src),
		zap.Int("exit_code", f.ExitCode),
		zap.String("stderr", f.Stderr),
		zap.Error(f.Err))
	return f
}

// Info describes the first video stream of a file.
type Info struct {
	Codec    string
	Width    int
	Height   int
	Duration float64 // seconds, zero when unknown
}

// Probe reads the first video stream's parameters with ffprobe.
func (t *Transcoder) Probe(ctx context.Context, path string) (Info, error) {
	cmd := utils.NewSafeCommand(ctx, t.ProbeBinary, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height:format=duration", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return Info{}, errors.Wrapf(err, "ffprobe: %s", bytes.TrimSpace(cmd.Stderr.Bytes()))
	}

	var res struct {
		Streams []struct {
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		return Info{}, errors.Wrap(err, "parse ffprobe output")
	}
	if len(res.Streams) == 0 {
		return Info{}, errors.Errorf("%s has no video stream", path)
	}

	info := Info{Codec: res.Streams[0].CodecName, Width: res.Streams[0].Width, Height: res.Streams[0].Height}
	fmt.Sscanf(res.Format.Duration, "%g", &info.Duration)
	return info, nil
}

func tail(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if len(s) > stderrTail {
		s = s[len(s)-stderrTail:]
	}
	return s
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
