//go:build portaudio

package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource captures from the default input device.
type PortAudioSource struct{}

func (PortAudioSource) Name() string { return "portaudio" }

func (PortAudioSource) Open(_ context.Context, format Format) (Stream, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialize portaudio: %w", ErrPermissionDenied, err)
	}
	buf := make([]float32, format.Samples())
	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), format.FrameSize, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %w", ErrPermissionDenied, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: start input stream: %w", ErrPermissionDenied, err)
	}
	return &portaudioStream{stream: stream, buf: buf, done: make(chan struct{})}, nil
}

type portaudioStream struct {
	stream *portaudio.Stream
	buf    []float32

	mu       sync.Mutex
	running  bool
	closing  bool
	done     chan struct{}
	teardown sync.Once
	err      error
}

// Run owns the device while it reads. A blocking read cannot be interrupted,
// so Close during Run only waits for the loop to notice; that is at most one quantum.
func (p *portaudioStream) Run(ctx context.Context, emit func([]float32)) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.release()
		close(p.done)
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.mu.Lock()
		closing := p.closing
		p.mu.Unlock()
		if closing {
			return nil
		}
		if err := p.stream.Read(); err != nil {
			if err == portaudio.InputOverflowed {
				continue
			}
			return fmt.Errorf("read input stream: %w", err)
		}
		emit(append([]float32(nil), p.buf...))
	}
}

func (p *portaudioStream) Close() error {
	p.mu.Lock()
	p.closing = true
	running := p.running
	p.mu.Unlock()
	if running {
		<-p.done
	} else {
		p.release()
	}
	return p.err
}

func (p *portaudioStream) release() {
	p.teardown.Do(func() {
		if err := p.stream.Stop(); err != nil {
			p.err = err
		}
		if err := p.stream.Close(); err != nil && p.err == nil {
			p.err = err
		}
		portaudio.Terminate()
	})
}
