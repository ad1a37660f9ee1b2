// Package video opens canonical (already transcoded) videos and hands out
// frames by index. Decoding is delegated to ffmpeg, which streams MJPEG frames
// over a pipe that is split back into individual JPEGs.
package video

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"strconv"

	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/andresmejia3/facecollect/internal/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const megabyte = 1024 * 1024

// Video gives sequential random access to decoded frames.
// Frame must be called with strictly increasing indices; it returns io.EOF
// once the stream is exhausted.
type Video interface {
	FrameCount() int
	Frame(index int) (types.Frame, error)
	Close() error
}

// Opener opens a video file for frame access.
type Opener interface {
	Open(ctx context.Context, path string) (Video, error)
}

// OpenError reports a video that could not be opened at all.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("cannot open video %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// FrameDecodeError reports a single frame that could not be decoded.
type FrameDecodeError struct {
	Index int
	Err   error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("cannot decode frame %d: %v", e.Index, e.Err)
}

func (e *FrameDecodeError) Unwrap() error { return e.Err }

var (
	JpegSOI = []byte{0xFF, 0xD8} // Start of Image
	JpegEOI = []byte{0xFF, 0xD9} // End of Image
)

// SplitJpeg is the custom splitter for bufio.Scanner
// It locates the Start Of Image (FFD8) and End Of Image (FFD9) markers to extract full JPEG frames.
func SplitJpeg(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	start := bytes.Index(data, JpegSOI)
	if start == -1 {
		return 0, nil, nil
	}
	end := bytes.Index(data[start:], JpegEOI)
	if end == -1 {
		return 0, nil, nil
	}
	return start + end + 2, data[start : start+end+2], nil
}

// FFmpeg opens videos with the ffmpeg/ffprobe binaries found on PATH.
type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *zap.Logger
}

// NewFFmpeg returns an Opener using the default binaries.
func NewFFmpeg(logger *zap.Logger) *FFmpeg {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpeg{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", Logger: logger.Named("video")}
}

// Open validates the file, counts its frames and starts the decoder.
func (f *FFmpeg) Open(ctx context.Context, path string) (Video, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &OpenError{Path: path, Err: errors.New("path is a directory")}
	}

	count, err := f.FrameCount(ctx, path)
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}

	decodeCtx, cancel := context.WithCancel(ctx)
	cmd := utils.NewSafeCommand(decodeCtx, f.FFmpegPath, decoderArgs(path)...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &OpenError{Path: path, Err: errors.Wrap(err, "create ffmpeg stdout pipe")}
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &OpenError{Path: path, Err: errors.Wrap(err, "start ffmpeg")}
	}

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)

	f.Logger.Debug("decoder started", zap.String("path", path), zap.Int("frames", count))
	return &Stream{
		cmd:        cmd,
		cancel:     cancel,
		scanner:    scanner,
		frameCount: count,
		logger:     f.Logger,
	}, nil
}

// decoderArgs configures ffmpeg to output MJPEG frames to Stdout for ingestion.
// Using -vcodec mjpeg ensures we get JPEGs Go can split.
func decoderArgs(inputPath string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-map", "0:v:0",
		"-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "2",
		"-",
	}
}

// FrameCount uses ffprobe to count the frames of the first video stream.
func (f *FFmpeg) FrameCount(ctx context.Context, path string) (int, error) {
	if _, err := exec.LookPath(f.FFprobePath); err != nil {
		return 0, errors.Wrap(err, "ffprobe not found")
	}

	type ffprobeOutput struct {
		Streams []struct {
			NbFrames      string `json:"nb_frames"`
			NbReadPackets string `json:"nb_read_packets"`
		} `json:"streams"`
	}

	// 1. Fast Path: Check Container Metadata
	// Instant, but WebM and some VFR files report "N/A".
	fast := utils.NewSafeCommand(ctx, f.FFprobePath, "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=nb_frames", "-of", "json", path)
	if out, err := fast.Output(); err == nil {
		var res ffprobeOutput
		if json.Unmarshal(out, &res) == nil && len(res.Streams) > 0 {
			if count, err := strconv.Atoi(res.Streams[0].NbFrames); err == nil && count > 0 {
				return count, nil
			}
		}
	} else {
		return 0, errors.Wrapf(err, "ffprobe: %s", bytes.TrimSpace(fast.Stderr.Bytes()))
	}

	// 2. Slow Path: Count Packets
	f.Logger.Debug("frame count missing from metadata, counting packets", zap.String("path", path))
	slow := utils.NewSafeCommand(ctx, f.FFprobePath, "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := slow.Output()
	if err != nil {
		return 0, errors.Wrapf(err, "ffprobe: %s", bytes.TrimSpace(slow.Stderr.Bytes()))
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return 0, errors.Wrap(err, "parse ffprobe output")
	}
	if len(res.Streams) == 0 {
		return 0, errors.New("no video stream")
	}

	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0, errors.Wrap(err, "parse packet count")
	}
	return count, nil
}

// Stream is an open ffmpeg decode pipe.
type Stream struct {
	cmd        *utils.SafeCommand
	cancel     context.CancelFunc
	scanner    *bufio.Scanner
	frameCount int
	next       int
	done       bool
	clean      bool // done because ffmpeg closed its output
	logger     *zap.Logger
}

// FrameCount returns the probed number of frames.
func (s *Stream) FrameCount() int { return s.frameCount }

// Frame skips forward to index and decodes it. Skipped frames are never decoded.
func (s *Stream) Frame(index int) (types.Frame, error) {
	if index < s.next {
		return types.Frame{}, errors.Errorf("frame %d already consumed (next is %d)", index, s.next)
	}

	for !s.done {
		if !s.scanner.Scan() {
			s.done = true
			if err := s.scanner.Err(); err != nil {
				return types.Frame{}, errors.Wrap(err, "frame scanner failed")
			}
			s.clean = true
			break
		}
		cur := s.next
		s.next++
		if cur < index {
			continue
		}
		return DecodeFrame(cur, s.scanner.Bytes())
	}
	return types.Frame{}, io.EOF
}

// DecodeFrame copies and decodes one encoded frame.
func DecodeFrame(index int, encoded []byte) (types.Frame, error) {
	data := make([]byte, len(encoded))
	copy(data, encoded)

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, &FrameDecodeError{Index: index, Err: err}
	}
	if b := img.Bounds(); b.Empty() {
		return types.Frame{}, &FrameDecodeError{Index: index, Err: errors.New("empty image")}
	}
	return types.Frame{Index: index, Data: data, Image: img}, nil
}

// Close stops the decoder. Output not yet read is discarded.
func (s *Stream) Close() error {
	defer s.cancel()
	if !s.clean {
		// Killing ffmpeg mid-stream is expected here, so its exit status is ignored.
		s.cancel()
		_ = s.cmd.Wait()
		return nil
	}
	if err := s.cmd.Wait(); err != nil {
		s.logger.Warn("ffmpeg exited with error",
			zap.Error(err),
			zap.String("stderr", s.cmd.Stderr.String()))
		return errors.Wrap(err, "ffmpeg decode")
	}
	return nil
}
