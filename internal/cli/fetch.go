package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rudransh-shrivastava/beam/internal/config"
	"github.com/rudransh-shrivastava/beam/internal/engine"
	"github.com/rudransh-shrivastava/beam/internal/event"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const confirmGrace = 2 * time.Second

type fetchOptions struct {
	noEncrypt bool
	outDir    string
	quiet     bool
}

func newFetchCommand(root *rootOptions) *cobra.Command {
	opts := &fetchOptions{}

	cmd := &cobra.Command{
		Use:   "fetch peer-id cid",
		Short: "fetch content from a peer",
		Long:  `fetch requests cid from peer-id and writes it to the output directory, or stdout for non-file data`,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerID, cid := args[0], args[1]

			cfg, err := root.config()
			if err != nil {
				return err
			}
			if cfg.Transport == config.TransportQUIC && !cmd.Flags().Changed("quic-addr") {
				// The requesting side does not need a well-known port.
				cfg.QUICAddr = "0.0.0.0:0"
			}
			log := root.logger(cmd)

			events := make(chan event.Event, 256)
			ep, err := startEndpoint(cmd.Context(), cfg, log, forward(events, cid))
			if err != nil {
				return err
			}
			defer ep.Close()

			if err := ep.engine.RequestData(cmd.Context(), peerID, cid, !opts.noEncrypt); err != nil {
				return err
			}

			content, err := awaitContent(cmd.Context(), events, opts.progressWriter(cmd))
			if err != nil {
				return err
			}
			// Let the confirmation reach the peer before tearing down.
			waitIdle(ep.engine, confirmGrace)
			return opts.write(cmd.OutOrStdout(), content)
		},
	}

	cmd.Flags().BoolVar(&opts.noEncrypt, "no-encrypt", false, "ask the peer to skip encryption")
	cmd.Flags().StringVarP(&opts.outDir, "out", "o", ".", "directory to write received files to")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not show progress")
	return cmd
}

// forward passes the notifications for cid to ch without blocking the
// engine. Progress updates are shed first when ch fills up.
func forward(ch chan<- event.Event, cid string) event.Observer {
	return event.ObserverFunc(func(ev event.Event) {
		if ev.CID != "" && ev.CID != cid {
			return
		}
		if ev.Name == event.ReceiveProgress && len(ch) > cap(ch)/2 {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
}

func (o *fetchOptions) progressWriter(cmd *cobra.Command) io.Writer {
	if o.quiet {
		return io.Discard
	}
	return cmd.ErrOrStderr()
}

// awaitContent consumes notifications until the content arrives or the
// request ends some other way.
func awaitContent(ctx context.Context, events <-chan event.Event, progressOut io.Writer) (*event.Content, error) {
	var (
		bar   *progressbar.ProgressBar
		total int64
	)
	finishBar := func() {
		if bar != nil {
			_ = bar.Finish()
		}
	}

	for {
		select {
		case <-ctx.Done():
			finishBar()
			return nil, ctx.Err()
		case ev := <-events:
			switch ev.Name {
			case event.ReceiveProgress:
				remaining := int64(ev.Progress)
				if bar == nil {
					if remaining == 0 {
						continue
					}
					total = remaining
					bar = progressbar.NewOptions64(total,
						progressbar.OptionSetWriter(progressOut),
						progressbar.OptionSetDescription("Receiving"),
						progressbar.OptionShowBytes(true),
						progressbar.OptionClearOnFinish(),
					)
				}
				if remaining > total {
					total = remaining
					bar.ChangeMax64(total)
				}
				_ = bar.Set64(total - remaining)
			case event.ContentReceived:
				finishBar()
				if ev.Content == nil {
					return nil, fmt.Errorf("transfer of %s completed without content", ev.CID)
				}
				return ev.Content, nil
			case event.NotFound:
				finishBar()
				return nil, fmt.Errorf("%s: %w", ev.CID, engine.ErrContentNotFound)
			case event.Error:
				finishBar()
				if ev.Err != nil {
					return nil, ev.Err
				}
				return nil, fmt.Errorf("transfer failed: %s", ev.Text)
			}
		}
	}
}

func (o *fetchOptions) write(stdout io.Writer, c *event.Content) error {
	if !c.IsFile {
		_, err := stdout.Write(c.Body)
		return err
	}

	if err := os.MkdirAll(o.outDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(o.outDir, outputName(c))
	if err := os.WriteFile(path, c.Body, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "Saved %s (%d bytes, %s)\n", path, len(c.Body), c.MimeType)
	return nil
}

func waitIdle(e *engine.Engine, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for e.ActiveChannels() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

// outputName keeps the delivered name inside the output directory.
func outputName(c *event.Content) string {
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(c.Name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return c.CID
	}
	return name
}
