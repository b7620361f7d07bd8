package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/livedoc/internal/model"
)

// ListResult is the output of list.
type ListResult struct {
	Region  string   `json:"region"`
	Machine string   `json:"machine"`
	Keys    []string `json:"keys"`
}

var errNotManaged = NewExitError(ExitCommandError, "finder_database is not configured; this machine does not use the directory")

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents bound to this machine",
		Long: `List the documents the finder directory binds to this machine.
Requires finder_database in the configuration.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			if !cfg.Managed() {
				return errNotManaged
			}
			n, err := openNode(cfg, nil)
			if err != nil {
				return err
			}
			defer closeNode(n)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			keys, err := n.finder.List(ctx, cfg.Machine)
			if err != nil {
				return formatter.Fail("list failed", err)
			}
			result := ListResult{Region: cfg.Region, Machine: cfg.Machine, Keys: make([]string, 0, len(keys))}
			for _, k := range keys {
				result.Keys = append(result.Keys, k.String())
			}
			if formatter.Format == "json" {
				return formatter.Success(result)
			}
			for _, k := range result.Keys {
				fmt.Fprintln(formatter.Writer, k)
			}
			formatter.VerboseLog("%d document(s) on %s/%s", len(result.Keys), cfg.Region, cfg.Machine)
			return nil
		},
	}
	return cmd
}

// ReleaseResult is the output of release.
type ReleaseResult struct {
	Key     string `json:"key"`
	Archive string `json:"archive"`
}

// NewReleaseCommand creates the release command.
func NewReleaseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "release <namespace> <id>",
		Short: "Archive a document and free its binding",
		Long: `Take a final archive of a document and free its directory binding so
another machine can restore it. Requires finder_database in the configuration.

Run it while no livedoc process serves the document. A running process that
still holds it stops accepting writes at its next archive and reloads the
document from the released archive.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return documentCall(opts, cmd, args, func(ctx context.Context, n *node, key model.Key) error {
				if n.managed == nil {
					return errNotManaged
				}
				formatter := newFormatter(rootOpts, cmd)
				token, err := n.managed.Release(ctx, key)
				if err != nil {
					return formatter.Fail("release failed", err)
				}
				if formatter.Format == "json" {
					return formatter.Success(ReleaseResult{Key: key.String(), Archive: token})
				}
				fmt.Fprintf(formatter.Writer, "✓ Released %s (archive %s)\n", key, token)
				return nil
			})
		},
	}
	addDocumentFlags(cmd, opts)
	return cmd
}
