package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-mic/internal/protocol"
)

var ErrClosed = errors.New("recorder closed")

// Recorder appends float samples to a 16-bit PCM WAV file.
type Recorder struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	enc     *wav.Encoder
	buf     *audio.IntBuffer
	samples int
	closed  bool
}

// Create opens dir/name.wav for writing, creating dir if needed.
func Create(dir, name string, sampleRate, channels int) (*Recorder, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid recording format %d Hz/%d ch", sampleRate, channels)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	path := filepath.Join(dir, name+".wav")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &Recorder{
		path: path,
		file: file,
		enc:  wav.NewEncoder(file, sampleRate, 16, channels, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

func (r *Recorder) Write(samples []float32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if cap(r.buf.Data) < len(samples) {
		r.buf.Data = make([]int, len(samples))
	}
	r.buf.Data = r.buf.Data[:len(samples)]
	for i, s := range samples {
		r.buf.Data[i] = int(protocol.ToInt16(s))
	}
	if err := r.enc.Write(r.buf); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	r.samples += len(samples)
	return nil
}

// Close finalises the WAV header. Calling it more than once is safe.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return errors.Join(r.enc.Close(), r.file.Close())
}

func (r *Recorder) Path() string { return r.path }

func (r *Recorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples
}
