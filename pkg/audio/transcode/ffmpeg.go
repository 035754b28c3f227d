package transcode

import (
	"bytes"
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/MrWong99/jarvis/pkg/audio"
)

const (
	defaultFFmpeg        = "ffmpeg"
	defaultFFmpegTimeout = 5 * time.Second
)

// FFmpegOption configures [NewFFmpeg].
type FFmpegOption func(*FFmpeg)

// WithBinary sets the ffmpeg executable. Empty keeps "ffmpeg" from PATH.
func WithBinary(path string) FFmpegOption {
	return func(f *FFmpeg) {
		if path != "" {
			f.bin = path
		}
	}
}

// WithTimeout bounds a single conversion.
func WithTimeout(d time.Duration) FFmpegOption {
	return func(f *FFmpeg) { f.timeout = d }
}

// FFmpeg decodes any container ffmpeg understands, chiefly the WebM/Opus
// Chrome records, by piping the chunk through a child process.
type FFmpeg struct {
	bin     string
	timeout time.Duration
	target  audio.Format
}

// NewFFmpeg returns an ffmpeg-backed decoder producing [audio.AgentInput].
func NewFFmpeg(opts ...FFmpegOption) *FFmpeg {
	f := &FFmpeg{bin: defaultFFmpeg, target: audio.AgentInput}
	for _, o := range opts {
		o(f)
	}
	f.timeout = cmp.Or(f.timeout, defaultFFmpegTimeout)
	return f
}

// Available reports whether the binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.bin); err != nil {
		return fmt.Errorf("transcode: ffmpeg: %w", err)
	}
	return nil
}

// Transcode implements [Transcoder].
func (f *FFmpeg) Transcode(ctx context.Context, chunk []byte) ([]byte, bool) {
	if len(chunk) == 0 {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.bin,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(f.target.Channels),
		"-ar", strconv.Itoa(f.target.SampleRate),
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(chunk)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		slog.Debug("transcode: ffmpeg failed", "err", err, "stderr", stderr.String(), "bytes", len(chunk))
		return nil, false
	}
	pcm := stdout.Bytes()
	if n := len(pcm) - len(pcm)%f.target.FrameSize(); n > 0 {
		return pcm[:n], true
	}
	return nil, false
}
