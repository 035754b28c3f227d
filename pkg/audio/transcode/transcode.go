// Package transcode turns compressed browser recordings into the 48 kHz
// mono linear16 PCM the voice agent ingests.
//
// Chunks that cannot be decoded yield (nil, false); they are dropped by the
// caller and never end a session.
package transcode

import (
	"bytes"
	"context"
	"log/slog"
)

// Transcoder converts one compressed chunk.
type Transcoder interface {
	Transcode(ctx context.Context, chunk []byte) ([]byte, bool)
}

var (
	oggMagic  = []byte("OggS")
	webmMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}
)

// IsOgg reports whether chunk starts with an Ogg page.
func IsOgg(chunk []byte) bool { return bytes.HasPrefix(chunk, oggMagic) }

// IsWebM reports whether chunk starts with an EBML header.
func IsWebM(chunk []byte) bool { return bytes.HasPrefix(chunk, webmMagic) }

// Chain tries each transcoder in order and returns the first result.
type Chain []Transcoder

// Transcode implements [Transcoder].
func (c Chain) Transcode(ctx context.Context, chunk []byte) ([]byte, bool) {
	if len(chunk) == 0 {
		return nil, false
	}
	for _, t := range c {
		if pcm, ok := t.Transcode(ctx, chunk); ok {
			return pcm, true
		}
	}
	slog.Debug("transcode: no decoder accepted chunk", "bytes", len(chunk))
	return nil, false
}

// Default returns the native Ogg/Opus decoder followed by ffmpeg when the
// ffmpeg binary is available.
func Default(ffmpegBin string) Chain {
	chain := Chain{NewOgg()}
	ff := NewFFmpeg(WithBinary(ffmpegBin))
	if err := ff.Available(); err != nil {
		slog.Warn("transcode: ffmpeg not found, only Ogg/Opus chunks will be decoded", "err", err)
		return chain
	}
	return append(chain, ff)
}
