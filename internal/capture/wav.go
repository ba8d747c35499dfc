package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WAVSource replays a PCM WAV file at capture speed.
type WAVSource struct {
	Path string
	Loop bool
}

func (s WAVSource) Name() string { return "wav" }

func (s WAVSource) Open(_ context.Context, format Format) (Stream, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: open wav: %w", ErrPermissionDenied, err)
	}
	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("%w: %s is not a valid wav file", ErrPermissionDenied, s.Path)
	}
	if int(dec.SampleRate) != format.SampleRate || int(dec.NumChans) != format.Channels {
		file.Close()
		return nil, fmt.Errorf("wav format %d Hz/%d ch does not match capture format %d Hz/%d ch",
			dec.SampleRate, dec.NumChans, format.SampleRate, format.Channels)
	}
	if dec.BitDepth == 0 || dec.BitDepth > 32 {
		file.Close()
		return nil, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	return &wavStream{
		file:   file,
		dec:    dec,
		format: format,
		loop:   s.Loop,
		scale:  float32(int64(1) << (dec.BitDepth - 1)),
		buf: &audio.IntBuffer{
			Format: &audio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
			Data:   make([]int, format.Samples()),
		},
		closed: make(chan struct{}),
	}, nil
}

type wavStream struct {
	file   *os.File
	dec    *wav.Decoder
	format Format
	loop   bool
	scale  float32
	buf    *audio.IntBuffer
	closed chan struct{}
	once   sync.Once
	err    error
}

func (w *wavStream) Run(ctx context.Context, emit func([]float32)) error {
	runErr := pace(ctx, w.closed, w.format, w.next, emit)
	if w.err != nil {
		return w.err
	}
	return runErr
}

func (w *wavStream) next() ([]float32, bool) {
	n, err := w.dec.PCMBuffer(w.buf)
	if err != nil {
		w.err = fmt.Errorf("read wav: %w", err)
		return nil, false
	}
	if n == 0 && w.loop {
		if err := w.dec.Rewind(); err != nil {
			w.err = fmt.Errorf("rewind wav: %w", err)
			return nil, false
		}
		if n, err = w.dec.PCMBuffer(w.buf); err != nil {
			w.err = fmt.Errorf("read wav: %w", err)
			return nil, false
		}
	}
	if n == 0 {
		return nil, false
	}
	// The last quantum of a file is zero padded so every frame keeps its size.
	samples := make([]float32, w.format.Samples())
	for i := 0; i < n && i < len(samples); i++ {
		samples[i] = float32(w.buf.Data[i]) / w.scale
	}
	return samples, true
}

func (w *wavStream) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		err = w.file.Close()
		if errors.Is(err, os.ErrClosed) {
			err = nil
		}
	})
	return err
}
