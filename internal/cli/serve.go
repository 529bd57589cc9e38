package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/rudransh-shrivastava/beam/internal/catalog"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	text  string
	stdin bool
	name  string
	mime  string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve [file...]",
		Short: "serve files or data to peers",
		Long:  `serve registers files (or a text snippet, or stdin) and answers peer requests until interrupted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && opts.text == "" && !opts.stdin {
				return fmt.Errorf("nothing to serve: pass files, --text or --stdin")
			}

			cfg, err := root.config()
			if err != nil {
				return err
			}
			log := root.logger(cmd)

			ep, err := startEndpoint(cmd.Context(), cfg, log, statusLogger(log))
			if err != nil {
				return err
			}
			defer ep.Close()

			items, err := opts.sources(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Peer ID: %s\n", cfg.PeerID)
			for _, it := range items {
				cid, err := ep.engine.ServeData(it.src, it.name, it.isFile)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\n", cid, it.label)
			}

			<-cmd.Context().Done()
			log.Info("Shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.text, "text", "", "serve a text snippet")
	cmd.Flags().BoolVar(&opts.stdin, "stdin", false, "serve data read from stdin")
	cmd.Flags().StringVar(&opts.name, "name", "", "name for --stdin data")
	cmd.Flags().StringVar(&opts.mime, "mime", catalog.DefaultMimeType, "mime type for --stdin data")
	return cmd
}

type serveItem struct {
	src    catalog.Source
	name   string
	label  string
	isFile bool
}

func (o *serveOptions) sources(stdin io.Reader, paths []string) ([]serveItem, error) {
	items := make([]serveItem, 0, len(paths)+2)

	for _, p := range paths {
		items = append(items, serveItem{
			src:    catalog.File(p),
			name:   filepath.Base(p),
			label:  p,
			isFile: true,
		})
	}

	if o.text != "" {
		items = append(items, serveItem{
			src:   catalog.Bytes([]byte(o.text), "text/plain"),
			label: "(text)",
		})
	}

	if o.stdin {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		label := o.name
		if label == "" {
			label = "(stdin)"
		}
		items = append(items, serveItem{
			src:    catalog.Bytes(data, o.mime),
			name:   o.name,
			label:  label,
			isFile: o.name != "",
		})
	}

	return items, nil
}
