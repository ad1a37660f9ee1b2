// Package worker runs the learned face-detection model out of process.
//
// The engine is any executable that speaks the following protocol. Every
// message in either direction is framed as [uint32 big-endian length][body].
// Requests travel over the engine's stdin; replies come back over a dedicated
// pipe inherited as file descriptor 3, so the engine's stdout/stderr stay free
// for logging.
//
//	startup reply: [status:1]                        status 0 = model loaded
//	               [status:1][msgLen:4][msg]          status 1 = load failure
//	request:       encoded frame (JPEG)
//	reply:         [0][n:4] n*[x1 y1 x2 y2 conf float32]
//	               [1][msgLen:4][msg]
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/andresmejia3/facecollect/internal/utils"
	"github.com/pkg/errors"
)

const (
	statusOK    = 0
	statusError = 1

	// closeGrace is how long an engine gets to exit after stdin closes.
	closeGrace = 5 * time.Second

	// maxMessage guards against a desynchronized pipe turning garbage into a huge allocation.
	maxMessage = 64 * 1024 * 1024
)

// ErrEngine is wrapped by every error the engine reports about itself.
var ErrEngine = errors.New("engine error")

// Config describes how to launch an engine.
type Config struct {
	Command        []string      // e.g. ["python3", "-u", "python/detector.py"]
	ModelPath      string        // passed as --model when set
	StartupTimeout time.Duration // how long model loading may take
}

// Engine is a running engine process.
type Engine struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cancel context.CancelFunc
}

// NewEngine starts the engine and waits until it reports that its model is loaded.
func NewEngine(ctx context.Context, id int, cfg Config) (*Engine, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("no engine command configured")
	}
	args := append([]string{}, cfg.Command[1:]...)
	if cfg.ModelPath != "" {
		args = append(args, "--model", cfg.ModelPath)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := utils.NewSafeCommand(ctx, cfg.Command[0], args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to create pipe")
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	cmd.ExtraFiles = []*os.File{w}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		cancel()
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}

	if err := cmd.Start(); err != nil {
		w.Close()
		r.Close()
		cancel()
		return nil, errors.Wrapf(err, "engine %d failed to start", id)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	e := &Engine{
		ID:       id,
		Cmd:      cmd,
		Stdin:    stdin,
		DataPipe: r,
		cancel:   cancel,
	}

	if err := e.awaitReady(cfg.StartupTimeout); err != nil {
		e.Close()
		if logs := bytes.TrimSpace(cmd.Stderr.Bytes()); len(logs) > 0 {
			return nil, errors.Wrapf(err, "engine %d stderr: %s", id, logs)
		}
		return nil, err
	}
	return e, nil
}

func (e *Engine) awaitReady(timeout time.Duration) error {
	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		body, err := readMessage(e.DataPipe)
		done <- result{body, err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			return errors.Wrap(res.err, "engine exited before reporting ready")
		}
		return parseStatus(res.body)
	case <-expired:
		// Killing the process unblocks the reader goroutine.
		e.cancel()
		<-done
		return errors.Errorf("engine did not load its model within %s", timeout)
	}
}

// Detect sends one encoded frame and returns the engine's detections in model order.
func (e *Engine) Detect(data []byte) ([]types.Detection, error) {
	if err := writeMessage(e.Stdin, data); err != nil {
		return nil, errors.Wrap(err, "send frame")
	}

	resp, err := readMessage(e.DataPipe)
	if err != nil {
		return nil, errors.Wrap(err, "read reply")
	}
	return ParseDetections(resp)
}

// Close shuts the engine down and reaps the process.
func (e *Engine) Close() {
	e.Stdin.Close()
	e.DataPipe.Close()
	if e.Cmd == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		e.Cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
		e.cancel()
		<-done
	}
	e.cancel()
}

func writeMessage(w io.Writer, body []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(body))); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxMessage {
		return nil, errors.Errorf("message of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	_, err := io.ReadFull(r, body)
	return body, err
}

// parseStatus decodes a bare status reply such as the startup handshake.
func parseStatus(body []byte) error {
	if len(body) == 0 {
		return errors.New("empty status reply")
	}
	switch body[0] {
	case statusOK:
		return nil
	case statusError:
		return parseErrorBody(bytes.NewReader(body[1:]))
	default:
		return errors.Errorf("unknown status byte %d", body[0])
	}
}

func parseErrorBody(r *bytes.Reader) error {
	var msgLen uint32
	if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
		return errors.Wrap(err, "malformed error reply")
	}
	if int(msgLen) > r.Len() {
		return errors.New("malformed error reply: message truncated")
	}
	msg := make([]byte, msgLen)
	_, _ = io.ReadFull(r, msg)
	return errors.Wrap(ErrEngine, string(msg))
}

// ParseDetections decodes a detection reply.
func ParseDetections(body []byte) ([]types.Detection, error) {
	if len(body) == 0 {
		return nil, errors.New("empty reply")
	}
	r := bytes.NewReader(body[1:])

	switch body[0] {
	case statusOK:
	case statusError:
		return nil, parseErrorBody(r)
	default:
		return nil, errors.Errorf("unknown status byte %d", body[0])
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, errors.Wrap(err, "read detection count")
	}
	if int64(n)*20 != int64(r.Len()) {
		return nil, errors.Errorf("reply announces %d detections but carries %d bytes", n, r.Len())
	}

	dets := make([]types.Detection, 0, n)
	for i := uint32(0); i < n; i++ {
		var raw [5]float32
		if err := binary.Read(r, binary.BigEndian, &raw); err != nil {
			return nil, errors.Wrapf(err, "read detection %d", i)
		}
		dets = append(dets, types.Detection{
			Box: types.Box{
				X1: float64(raw[0]),
				Y1: float64(raw[1]),
				X2: float64(raw[2]),
				Y2: float64(raw[3]),
			},
			Confidence: clamp01(float64(raw[4])),
		})
	}
	return dets, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
