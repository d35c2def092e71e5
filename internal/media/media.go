// Package media defines the collaborator interfaces for the capture and
// encoding pipelines and the adapters that wrap their output into wire
// messages. The adapters are pure relabeling steps; no re-encoding happens
// here.
package media

import (
	"context"
	"errors"

	"github.com/kvmgate/kvmgate/internal/protocol"
)

// ErrUnknownCodec is returned for encoded frames whose codec the wire
// protocol has no tag for.
var ErrUnknownCodec = errors.New("unknown video codec")

// Codec identifies the encoding of a captured video frame.
type Codec string

// Codecs the capture pipeline may produce.
const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecVP8  Codec = "vp8"
	CodecVP9  Codec = "vp9"
	CodecAV1  Codec = "av1"
)

// EncodedFrame is one already-encoded video frame from the capture
// pipeline.
type EncodedFrame struct {
	Codec    Codec
	Keyframe bool
	PTS      uint64 // presentation timestamp, 90 kHz units
	Data     []byte
}

// AudioBuffer is one Opus-encoded audio buffer from the audio pipeline.
type AudioBuffer struct {
	Timestamp uint64 // sample clock units
	Data      []byte
}

// VideoSource supplies encoded video frames. Next blocks until a frame is
// available or ctx is cancelled; implementations must support multiple
// concurrent readers.
type VideoSource interface {
	Next(ctx context.Context) (*EncodedFrame, error)
}

// AudioSource supplies Opus-encoded audio buffers, with the same contract
// as VideoSource.
type AudioSource interface {
	Next(ctx context.Context) (*AudioBuffer, error)
}

// ClipboardSink accepts clipboard text pushed by the remote operator.
type ClipboardSink interface {
	SetClipboard(text string) error
}

// codecTags maps capture codecs to wire codec tags.
var codecTags = map[Codec]uint8{
	CodecH264: protocol.CodecH264,
	CodecH265: protocol.CodecH265,
	CodecVP8:  protocol.CodecVP8,
	CodecVP9:  protocol.CodecVP9,
	CodecAV1:  protocol.CodecAV1,
}

// WrapVideo produces the outbound wire message for an encoded frame.
func WrapVideo(f *EncodedFrame) (*protocol.VideoFrame, error) {
	tag, ok := codecTags[f.Codec]
	if !ok {
		return nil, ErrUnknownCodec
	}

	var flags uint8
	if f.Keyframe {
		flags |= protocol.VideoFlagKeyframe
	}

	return &protocol.VideoFrame{
		Codec: tag,
		Flags: flags,
		PTS:   f.PTS,
		Data:  f.Data,
	}, nil
}

// WrapAudio produces the outbound wire message for an Opus buffer.
func WrapAudio(b *AudioBuffer) *protocol.AudioFrame {
	return &protocol.AudioFrame{
		Timestamp: b.Timestamp,
		Data:      b.Data,
	}
}

// DiscardClipboard drops clipboard updates.
type DiscardClipboard struct{}

func (DiscardClipboard) SetClipboard(string) error { return nil }
