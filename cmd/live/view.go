package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mossy-p/liveroom/internal/models"
	"github.com/mossy-p/liveroom/internal/probe"
	"github.com/mossy-p/liveroom/internal/session"
)

var (
	hostID      string
	playbackURL string
)

var viewCmd = &cobra.Command{
	Use:   "view",
	Short: "Watch the room's broadcast",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd.Context(), models.RoleViewer)
		if err != nil {
			return err
		}

		cfg := c.sessionConfig()
		cfg.HostID = hostID
		o := session.New(cfg, c.dialer, c.factory)

		url := playbackURL
		if url == "" {
			url = c.cfg.Client.PlaybackURL
		}
		if url != "" {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			p := probe.New(url, c.cfg.Client.ProbeInterval, c.log)
			go p.Run(ctx, func(live bool) {
				if live {
					fmt.Fprintln(os.Stderr, "* stream is live")
				} else {
					fmt.Fprintln(os.Stderr, "* stream is offline")
				}
			})
		}

		return c.run(o)
	},
}

func init() {
	viewCmd.Flags().StringVar(&hostID, "host-id", "", "only accept answers from this host (default: any host in the room)")
	viewCmd.Flags().StringVar(&playbackURL, "playback-url", "", "HLS playback URL to poll for stream availability")
}
