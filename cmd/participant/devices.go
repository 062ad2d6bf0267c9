package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"podlive/internal/infrastructure/media"
	"podlive/internal/room"
)

var errNoScreenSource = errors.New("no screen source configured")

// fileDevices plays an Ogg/Opus file as the microphone and an IVF/VP8 file
// as the screen. Without an audio file the microphone sends silence.
type fileDevices struct {
	audioFile  string
	screenFile string
	streamID   string
	logger     *zap.SugaredLogger
}

func (d *fileDevices) Microphone() (room.Microphone, error) {
	var source media.AudioSource = media.NewSilenceSource()
	if d.audioFile != "" {
		ogg, err := media.OpenOggSource(d.audioFile, true)
		if err != nil {
			return nil, fmt.Errorf("failed to open audio source: %w", err)
		}
		source = ogg
	}
	mic, err := media.NewMicrophone(source, d.streamID, d.logger)
	if err != nil {
		_ = source.Close()
		return nil, err
	}
	return mic, nil
}

func (d *fileDevices) Screen() (room.Screen, error) {
	if d.screenFile == "" {
		return nil, errNoScreenSource
	}
	ivf, err := media.OpenIVFSource(d.screenFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open screen source: %w", err)
	}
	screen, err := media.NewScreenCapture(ivf, d.streamID, d.logger)
	if err != nil {
		_ = ivf.Close()
		return nil, err
	}
	return screen, nil
}
