package protocol

import "time"

// AudioFrame is one processing quantum of interleaved float32 samples.
type AudioFrame struct {
	Sequence   uint64
	SampleRate int
	Channels   int
	Samples    []float32
	CapturedAt time.Time
}

// Duration reports how much audio the frame covers.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	perChannel := len(f.Samples) / f.Channels
	return time.Duration(perChannel) * time.Second / time.Duration(f.SampleRate)
}

// BusFrame represents PCM audio republished by the listener on the bus.
type BusFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"

	EventCommandOpened = "command.opened"
	EventCommandClosed = "command.closed"

	QuerySampleRate = "sample_rate"
	QueryChannels   = "channels"
)

// FrameSubject returns the bus subject for a session's frames.
func FrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}
