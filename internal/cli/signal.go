package cli

import (
	relay "github.com/rudransh-shrivastava/beam/internal/signal"
	"github.com/spf13/cobra"
)

func newSignalCommand(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "signal",
		Short: "run a signalling relay",
		Long:  `signal runs the websocket relay webrtc peers use to exchange connection offers`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv := relay.NewServer(root.logger(cmd))
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	return cmd
}
