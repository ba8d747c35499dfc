//go:build !portaudio

package config

// DefaultCaptureSource is a test tone: builds without the portaudio tag have
// no microphone driver.
const DefaultCaptureSource = "tone"
