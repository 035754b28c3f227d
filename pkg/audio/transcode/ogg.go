package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"layeh.com/gopus"

	"github.com/MrWong99/jarvis/pkg/audio"
)

const (
	// Opus always decodes at 48 kHz. 120 ms is the longest packet.
	opusRate         = 48000
	maxOpusFrameSize = opusRate * 120 / 1000
)

var opusTags = []byte("OpusTags")

// Ogg decodes Ogg-encapsulated Opus, as recorded by Firefox and Safari.
// Every page payload is decoded as one Opus packet, which matches how
// MediaRecorder muxes voice.
type Ogg struct {
	target audio.Format
}

// NewOgg returns an Ogg decoder producing [audio.AgentInput].
func NewOgg() *Ogg {
	return &Ogg{target: audio.AgentInput}
}

// Transcode implements [Transcoder]. A chunk must start with the OpusHead
// page, so each chunk is a self-contained recording.
func (o *Ogg) Transcode(_ context.Context, chunk []byte) ([]byte, bool) {
	if !IsOgg(chunk) {
		return nil, false
	}

	reader, head, err := oggreader.NewWith(bytes.NewReader(chunk))
	if err != nil {
		slog.Debug("transcode: ogg header", "err", err)
		return nil, false
	}
	channels := int(head.Channels)
	if channels < 1 || channels > 2 {
		slog.Debug("transcode: unsupported ogg channel count", "channels", channels)
		return nil, false
	}

	dec, err := gopus.NewDecoder(opusRate, channels)
	if err != nil {
		slog.Debug("transcode: opus decoder", "err", err)
		return nil, false
	}

	var pcm []byte
	for {
		payload, _, err := reader.ParseNextPage()
		if err != nil {
			// A truncated trailing page ends the recording.
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("transcode: ogg page", "err", err)
			}
			break
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, opusTags) {
			continue
		}
		samples, err := dec.Decode(payload, maxOpusFrameSize, false)
		if err != nil {
			slog.Debug("transcode: opus packet", "err", err)
			continue
		}
		pcm = append(pcm, audio.Int16sToBytes(samples)...)
	}
	if len(pcm) == 0 {
		return nil, false
	}

	out, err := audio.Convert(pcm, audio.Format{SampleRate: opusRate, Channels: channels}, o.target)
	if err != nil {
		slog.Debug("transcode: convert", "err", err)
		return nil, false
	}
	return out, true
}
