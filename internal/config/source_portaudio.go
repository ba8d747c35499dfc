//go:build portaudio

package config

// DefaultCaptureSource is the default input device.
const DefaultCaptureSource = "portaudio"
