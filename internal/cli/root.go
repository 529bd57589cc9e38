// Package cli implements the beam command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/beam/internal/config"
	"github.com/rudransh-shrivastava/beam/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "0.1.0-dev"

type rootOptions struct {
	logLevel    string
	dataDir     string
	transport   string
	signalURL   string
	quicAddr    string
	stunServers []string
	textSet     string
	peerID      string
}

// NewRootCommand builds the beam command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "beam",
		Short:         "peer to peer content transfer",
		Long:          `beam serves files and data to peers and fetches them by content id, end to end encrypted`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.dataDir, "data-dir", "", "data directory (default $"+config.DataDirEnv+" or the user data dir)")
	flags.StringVar(&opts.transport, "transport", config.TransportWebRTC, "transport to use (webrtc, quic)")
	flags.StringVar(&opts.signalURL, "signal", config.DefaultSignalURL, "signalling relay url for webrtc")
	flags.StringVar(&opts.quicAddr, "quic-addr", config.DefaultQUICAddr, "local address for the quic transport")
	flags.StringSliceVar(&opts.stunServers, "stun", nil, "STUN servers (default public Google servers)")
	flags.StringVar(&opts.textSet, "texts", "", "status text set (default, plain)")
	flags.StringVar(&opts.peerID, "id", "", "peer id to use (default generated)")

	root.AddCommand(
		newServeCommand(opts),
		newFetchCommand(opts),
		newSignalCommand(opts),
		newHistoryCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command tree until it finishes or the process is
// interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func (o *rootOptions) logger(cmd *cobra.Command) *logrus.Logger {
	return logger.NewLoggerWithLevel(cmd.ErrOrStderr(), o.logLevel)
}

// config overlays the flags onto config.Default.
func (o *rootOptions) config() (*config.Config, error) {
	if o.dataDir != "" {
		if err := os.Setenv(config.DataDirEnv, o.dataDir); err != nil {
			return nil, err
		}
	}

	cfg, err := config.Default()
	if err != nil {
		return nil, err
	}
	cfg.Transport = o.transport
	cfg.SignalURL = o.signalURL
	cfg.QUICAddr = o.quicAddr
	if len(o.stunServers) > 0 {
		cfg.STUNServers = o.stunServers
	}
	if o.textSet != "" {
		cfg.TextSet = o.textSet
	}
	if o.peerID != "" {
		cfg.PeerID = o.peerID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the beam version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "beam %s\n", Version)
}
