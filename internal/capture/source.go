package capture

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-mic/internal/config"
)

// Format fixes the shape of every frame a stream produces.
type Format struct {
	SampleRate int
	Channels   int
	// FrameSize is the number of samples per channel in one processing quantum.
	FrameSize int
}

func FormatFromConfig(cfg config.CaptureConfig) Format {
	return Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, FrameSize: cfg.FrameSize}
}

// Samples is the interleaved sample count of one frame.
func (f Format) Samples() int { return f.FrameSize * f.Channels }

func (f Format) validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.FrameSize <= 0 {
		return fmt.Errorf("invalid capture format %+v", f)
	}
	return nil
}

// Source grants access to an audio input. Open is the permission request:
// a refusal or missing device is reported as ErrPermissionDenied.
type Source interface {
	Name() string
	Open(ctx context.Context, format Format) (Stream, error)
}

// Stream is a live capture graph. Run calls emit once per processing quantum,
// in production order, until ctx is done or the input ends. emit owns the
// slice it is given. Close must be safe to call more than once and must
// unblock a running Run.
type Stream interface {
	Run(ctx context.Context, emit func(samples []float32)) error
	Close() error
}

// NewSource builds the source selected by capture.source.
func NewSource(cfg config.CaptureConfig) (Source, error) {
	switch cfg.Source {
	case "portaudio":
		return PortAudioSource{}, nil
	case "tone":
		return ToneSource{Hz: cfg.ToneHz}, nil
	case "wav":
		return WAVSource{Path: cfg.File, Loop: cfg.Loop}, nil
	case "exec":
		return NewExecSource(cfg.Command, cfg.Encoding)
	default:
		return nil, fmt.Errorf("unknown capture source %q", cfg.Source)
	}
}
