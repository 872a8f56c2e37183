//go:build !portaudio

package audio

import "errors"

// NewPortAudioSource is unavailable without the portaudio build tag.
func NewPortAudioSource(sampleRate, channels, frames int) (Source, error) {
	return nil, &CaptureError{Source: "portaudio", Err: errors.New("portaudio support not compiled in; rebuild with -tags portaudio")}
}
