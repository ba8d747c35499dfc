//go:build !portaudio

package capture

import (
	"context"
	"fmt"
)

// PortAudioSource is unavailable in builds without the portaudio tag.
type PortAudioSource struct{}

func (PortAudioSource) Name() string { return "portaudio" }

func (PortAudioSource) Open(context.Context, Format) (Stream, error) {
	return nil, fmt.Errorf("%w: microphone source not available: rebuild with -tags portaudio", ErrPermissionDenied)
}
