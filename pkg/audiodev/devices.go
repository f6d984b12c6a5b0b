package audiodev

import (
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// Device describes one audio device of the host.
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// ListDevices enumerates the host's audio devices.
func ListDevices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defaultIn, _ := portaudio.DefaultInputDevice()
	defaultOut, _ := portaudio.DefaultOutputDevice()

	out := make([]Device, 0, len(infos))
	for i, info := range infos {
		out = append(out, Device{
			Index:             i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			DefaultInput:      defaultIn != nil && info == defaultIn,
			DefaultOutput:     defaultOut != nil && info == defaultOut,
		})
	}
	return out, nil
}

// findDevice resolves a device by name substring. input selects which
// direction the device must support.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for _, info := range infos {
		if !strings.Contains(info.Name, name) {
			continue
		}
		if input && info.MaxInputChannels == 0 {
			continue
		}
		if !input && info.MaxOutputChannels == 0 {
			continue
		}
		return info, nil
	}
	direction := "output"
	if input {
		direction = "input"
	}
	return nil, fmt.Errorf("audiodev: no %s device matching %q", direction, name)
}
