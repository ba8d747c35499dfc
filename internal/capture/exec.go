package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-mic/internal/protocol"
)

// ExecSource reads raw samples from the stdout of a recorder command such as
// `arecord -q -t raw -f FLOAT_LE -r 48000 -c 1`.
type ExecSource struct {
	args     []string
	encoding string
}

func NewExecSource(command, encoding string) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("capture command is empty")
	}
	switch encoding {
	case "", "f32le":
		encoding = "f32le"
	case "s16le":
	default:
		return nil, fmt.Errorf("unsupported capture encoding %q", encoding)
	}
	return &ExecSource{args: args, encoding: encoding}, nil
}

func (s *ExecSource) Name() string { return "exec" }

func (s *ExecSource) Open(_ context.Context, format Format) (Stream, error) {
	if err := format.validate(); err != nil {
		return nil, err
	}
	cmd := exec.Command(s.args[0], s.args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %w", ErrPermissionDenied, s.args[0], err)
	}

	width := 4
	decode := protocol.DecodeSamples
	if s.encoding == "s16le" {
		width = 2
		decode = protocol.DecodePCM16
	}
	return &execStream{
		cmd:    cmd,
		stdout: stdout,
		stderr: &stderr,
		buf:    make([]byte, format.Samples()*width),
		decode: decode,
		waited: make(chan struct{}),
	}, nil
}

// execStream reaps the command exactly once. Run waits after its last read;
// Close only waits itself when Run never started.
type execStream struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	buf    []byte
	decode func([]byte) ([]float32, error)

	mu      sync.Mutex
	running bool
	closed  bool

	waitOnce sync.Once
	waited   chan struct{}
	waitErr  error
}

func (e *execStream) Run(ctx context.Context, emit func([]float32)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	readErr := e.read(ctx, emit)
	// Every read on stdout is done; only now may the command be reaped.
	waitErr := e.wait()

	switch {
	case readErr != nil:
		return readErr
	case ctx.Err() != nil:
		return ctx.Err()
	case e.isClosed():
		return nil
	case waitErr != nil:
		return fmt.Errorf("%w: capture command: %w: %s", ErrPermissionDenied, waitErr, strings.TrimSpace(e.stderr.String()))
	}
	return nil
}

func (e *execStream) read(ctx context.Context, emit func([]float32)) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := io.ReadFull(e.stdout, e.buf); err != nil {
			if ctx.Err() != nil || e.isClosed() {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("read capture command: %w", err)
		}
		samples, err := e.decode(e.buf)
		if err != nil {
			return err
		}
		emit(samples)
	}
}

func (e *execStream) wait() error {
	e.waitOnce.Do(func() {
		e.waitErr = e.cmd.Wait()
		close(e.waited)
	})
	<-e.waited
	return e.waitErr
}

func (e *execStream) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close kills the command, which ends a blocked read in Run with EOF.
func (e *execStream) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := e.running
	e.mu.Unlock()

	if e.cmd.Process != nil {
		if err := e.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill capture command: %w", err)
		}
	}
	if !running {
		_ = e.wait()
	}
	return nil
}
