package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/mossy-p/liveroom/internal/models"
	"github.com/mossy-p/liveroom/internal/negotiation"
	"github.com/mossy-p/liveroom/internal/session"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const opusFrame = 20 * time.Millisecond

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Broadcast to the room and answer every viewer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd.Context(), models.RoleHost)
		if err != nil {
			return err
		}

		cfg := c.sessionConfig()
		cfg.Media = session.MediaDeviceFunc(func(ctx context.Context) (negotiation.MediaSource, error) {
			src, err := negotiation.NewSampleSource("live-" + roomID)
			if err != nil {
				return nil, err
			}
			go feedSilence(src)
			return src, nil
		})

		o := session.New(cfg, c.dialer, c.factory)
		return c.run(o)
	},
}

// feedSilence keeps the audio track flowing until the source is released.
func feedSilence(src *negotiation.SampleSource) {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for range ticker.C {
		if src.Released() {
			return
		}
		src.Audio().WriteSample(opusSilence, opusFrame)
	}
}
