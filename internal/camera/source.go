package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/technosupport/homeguard/internal/model"
)

// Source delivers decoded frames from one stream URL. ReadFrame may ignore
// ctx and block indefinitely; the manager bounds it with a watchdog and
// unblocks it with Close. Close may be called from any goroutine and more
// than once.
type Source interface {
	ReadFrame(ctx context.Context) (model.Frame, error)
	Close() error
}

// Opener starts a Source for url.
type Opener func(ctx context.Context, url string) (Source, error)

// maxJPEG bounds a single frame so a corrupt stream cannot grow the buffer
// without limit.
const maxJPEG = 8 << 20

// FFmpegOpener decodes the stream with an ffmpeg subprocess that re-encodes
// it as a sequence of JPEG images on stdout.
type FFmpegOpener struct {
	Binary string
	FPS    int
}

func (o FFmpegOpener) Open(ctx context.Context, url string) (Source, error) {
	bin := o.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	fps := o.FPS
	if fps <= 0 {
		fps = 5
	}

	// Not CommandContext: the process outlives the open call and is torn
	// down by Close.
	cmd := exec.Command(bin,
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", url,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-r", strconv.Itoa(fps),
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg stdout: %v", model.ErrTransportUnreachable, err)
	}
	tail := &tailBuffer{max: 512}
	cmd.Stderr = tail

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", model.ErrTransportUnreachable, bin, err)
	}
	return &ffmpegSource{cmd: cmd, frames: newJPEGSplitter(stdout), stderr: tail}, nil
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	frames *jpegSplitter
	stderr *tailBuffer

	closeOnce sync.Once
}

func (s *ffmpegSource) ReadFrame(ctx context.Context) (model.Frame, error) {
	data, err := s.frames.Next()
	if err != nil {
		if msg := s.stderr.String(); msg != "" {
			return model.Frame{}, fmt.Errorf("%w: ffmpeg: %v: %s", model.ErrStreamStalled, err, msg)
		}
		return model.Frame{}, fmt.Errorf("%w: ffmpeg: %v", model.ErrStreamStalled, err)
	}
	return model.Frame{Data: data, CapturedAt: time.Now()}, nil
}

// Close kills the decoder. Killing closes its stdout, which unblocks a
// pending ReadFrame.
func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		// Wait reaps the process and closes the pipes; its error is the
		// kill signal and not interesting.
		s.cmd.Wait()
	})
	return nil
}

// jpegSplitter cuts a byte stream of concatenated JPEG images on their
// start (FFD8) and end (FFD9) markers. Bytes outside an image are skipped.
type jpegSplitter struct {
	r   *bufio.Reader
	buf []byte
}

func newJPEGSplitter(r io.Reader) *jpegSplitter {
	return &jpegSplitter{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next returns the next complete image. The returned slice is owned by the
// caller.
func (s *jpegSplitter) Next() ([]byte, error) {
	var prev byte
	started := false
	s.buf = s.buf[:0]

	for {
		b, err := s.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if !started {
			if prev == 0xFF && b == 0xD8 {
				started = true
				s.buf = append(s.buf, 0xFF, 0xD8)
			}
			prev = b
			continue
		}

		s.buf = append(s.buf, b)
		if prev == 0xFF && b == 0xD9 {
			return bytes.Clone(s.buf), nil
		}
		prev = b

		if len(s.buf) > maxJPEG {
			s.buf = s.buf[:0]
			return nil, fmt.Errorf("%w: jpeg frame exceeds %d bytes", model.ErrProtocolDecode, maxJPEG)
		}
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	b   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b = append(t.b, p...)
	if over := len(t.b) - t.max; over > 0 {
		t.b = t.b[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.b))
}
