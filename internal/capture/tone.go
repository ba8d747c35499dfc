package capture

import (
	"context"
	"math"
	"sync"
	"time"
)

// ToneSource synthesizes a sine wave in real time. Useful on hosts without a
// microphone and in tests.
type ToneSource struct {
	Hz        float64
	Amplitude float32
	// MaxFrames ends the stream after that many frames; zero runs until stopped.
	MaxFrames int
}

func (s ToneSource) Name() string { return "tone" }

func (s ToneSource) Open(_ context.Context, format Format) (Stream, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	amp := s.Amplitude
	if amp == 0 {
		amp = 0.2
	}
	hz := s.Hz
	if hz <= 0 {
		hz = 440
	}
	return &toneStream{
		format: format,
		step:   2 * math.Pi * hz / float64(format.SampleRate),
		amp:    amp,
		max:    s.MaxFrames,
		closed: make(chan struct{}),
	}, nil
}

type toneStream struct {
	format Format
	step   float64
	amp    float32
	max    int
	phase  float64
	closed chan struct{}
	once   sync.Once
}

func (t *toneStream) Run(ctx context.Context, emit func([]float32)) error {
	frames := 0
	return pace(ctx, t.closed, t.format, func() ([]float32, bool) {
		if t.max > 0 && frames >= t.max {
			return nil, false
		}
		frames++
		samples := make([]float32, t.format.Samples())
		for i := 0; i < t.format.FrameSize; i++ {
			v := t.amp * float32(math.Sin(t.phase))
			t.phase += t.step
			for ch := 0; ch < t.format.Channels; ch++ {
				samples[i*t.format.Channels+ch] = v
			}
		}
		t.phase = math.Mod(t.phase, 2*math.Pi)
		return samples, true
	}, emit)
}

func (t *toneStream) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// pace emits one frame per quantum of wall-clock time until next reports the
// input is exhausted, ctx is done, or closed fires.
func pace(ctx context.Context, closed <-chan struct{}, format Format, next func() ([]float32, bool), emit func([]float32)) error {
	period := time.Duration(format.FrameSize) * time.Second / time.Duration(format.SampleRate)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return nil
		case <-ticker.C:
		}
		samples, ok := next()
		if !ok {
			return nil
		}
		emit(samples)
	}
}
