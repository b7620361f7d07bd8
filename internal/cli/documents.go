package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/livedoc/internal/engine"
	"github.com/roach88/livedoc/internal/jsondoc"
	"github.com/roach88/livedoc/internal/model"
)

// DocumentOptions are the flags shared by commands that act on one document.
type DocumentOptions struct {
	*RootOptions
	Agent     string
	Authority string
	Timeout   time.Duration
}

func (o *DocumentOptions) who() model.Principal {
	return model.NewPrincipal(o.Agent, o.Authority)
}

func addDocumentFlags(cmd *cobra.Command, opts *DocumentOptions) {
	cmd.Flags().StringVar(&opts.Agent, "agent", "cli", "agent acting on the document")
	cmd.Flags().StringVar(&opts.Authority, "authority", "local", "authority of the agent")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the core")
}

// documentCall opens a node, runs fn against it and closes it again.
func documentCall(opts *DocumentOptions, cmd *cobra.Command, args []string, fn func(ctx context.Context, n *node, key model.Key) error) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	key := model.NewKey(args[0], args[1])
	if err := key.Validate(); err != nil {
		return formatter.Fail("invalid key", err)
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	n, err := openNode(cfg, nil)
	if err != nil {
		return err
	}
	defer closeNode(n)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, opts.Timeout)
	defer cancel()
	formatter.VerboseLog("document %s on %s", key, cfg.Database)
	return fn(ctx, n, key)
}

// CreateResult is the output of create.
type CreateResult struct {
	Key string `json:"key"`
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}
	var arg, entropy string

	cmd := &cobra.Command{
		Use:   "create <namespace> <id>",
		Short: "Create a document",
		Long: `Create a document in a space. The argument is merged over the space
defaults and must satisfy the space's state schema.

Example:
  livedoc create notes n1 --arg '{"title":"hello"}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return documentCall(opts, cmd, args, func(ctx context.Context, n *node, key model.Key) error {
				formatter := newFormatter(rootOpts, cmd)
				if !json.Valid([]byte(arg)) {
					return formatter.Fail("invalid --arg", model.NewCodedError(model.ErrInvalidRequest, "arg is not JSON"))
				}
				if entropy == "" {
					entropy = uuid.NewString()
				}
				_, err := engine.Wait(ctx, func(cb model.Callback[struct{}]) {
					n.core.CreateAsync(opts.who(), key, []byte(arg), entropy, cb)
				})
				if err != nil {
					return formatter.Fail("create failed", err)
				}
				if formatter.Format == "json" {
					return formatter.Success(CreateResult{Key: key.String()})
				}
				fmt.Fprintf(formatter.Writer, "✓ Created %s\n", key)
				return nil
			})
		},
	}
	addDocumentFlags(cmd, opts)
	cmd.Flags().StringVar(&arg, "arg", "{}", "JSON object the document is constructed from")
	cmd.Flags().StringVar(&entropy, "entropy", "", "seed handed to the document constructor (random if empty)")
	return cmd
}

// ApplyResult is the output of apply.
type ApplyResult struct {
	Key string          `json:"key"`
	Seq int64           `json:"seq"`
	Doc json.RawMessage `json:"doc,omitempty"`
}

// session is a Streamback for one short-lived CLI connection.
type session struct {
	ready  chan *engine.CoreStream
	failed chan error

	mu     sync.Mutex
	frames [][]byte
}

func newSession() *session {
	return &session{ready: make(chan *engine.CoreStream, 1), failed: make(chan error, 1)}
}

func (s *session) OnSetupComplete(stream *engine.CoreStream) { s.ready <- stream }

func (s *session) Status(engine.StreamStatus) {}

func (s *session) Next(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *session) Failure(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

func (s *session) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// connect joins the document as who and waits for the stream.
func connect(ctx context.Context, n *node, who model.Principal, key model.Key) (*engine.CoreStream, *session, error) {
	s := newSession()
	n.core.ConnectAsync(who, key, s)
	select {
	case stream := <-s.ready:
		return stream, s, nil
	case err := <-s.failed:
		return nil, nil, err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}
	var patch string

	cmd := &cobra.Command{
		Use:   "apply <namespace> <id>",
		Short: "Merge a JSON patch into a document",
		Long: `Connect to a document, merge a JSON patch into its data and disconnect.
Keys set to null are removed. The result must satisfy the space's schema.

Example:
  livedoc apply notes n1 --patch '{"count":2}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return documentCall(opts, cmd, args, func(ctx context.Context, n *node, key model.Key) error {
				formatter := newFormatter(rootOpts, cmd)
				if !json.Valid([]byte(patch)) {
					return formatter.Fail("invalid --patch", model.NewCodedError(model.ErrInvalidRequest, "patch is not JSON"))
				}
				stream, s, err := connect(ctx, n, opts.who(), key)
				if err != nil {
					return formatter.Fail("connect failed", err)
				}
				defer stream.Disconnect()

				seq, err := engine.Wait(ctx, func(cb model.Callback[int64]) {
					stream.Apply([]byte(patch), cb)
				})
				if err != nil {
					return formatter.Fail("apply failed", err)
				}
				result := ApplyResult{Key: key.String(), Seq: seq, Doc: s.last()}
				if formatter.Format == "json" {
					return formatter.Success(result)
				}
				fmt.Fprintf(formatter.Writer, "✓ Applied to %s at seq %d\n", key, seq)
				if result.Doc != nil {
					fmt.Fprintln(formatter.Writer, string(result.Doc))
				}
				return nil
			})
		},
	}
	addDocumentFlags(cmd, opts)
	cmd.Flags().StringVar(&patch, "patch", "", "JSON merge patch for the document data")
	_ = cmd.MarkFlagRequired("patch")
	return cmd
}

// ShowResult is the output of show.
type ShowResult struct {
	Key      string          `json:"key"`
	Version  string          `json:"version,omitempty"`
	CodeCost int64           `json:"code_cost"`
	Doc      json.RawMessage `json:"doc"`
	History  []HistoryEntry  `json:"history,omitempty"`
}

// HistoryEntry is one stored patch.
type HistoryEntry struct {
	Seq     int64           `json:"seq"`
	Who     string          `json:"who,omitempty"`
	Command string          `json:"command"`
	Redo    json.RawMessage `json:"redo"`
	Created time.Time       `json:"created"`
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}
	var history int

	cmd := &cobra.Command{
		Use:   "show <namespace> <id>",
		Short: "Print a document",
		Long: `Load a document and print its full state.

Example:
  livedoc show notes n1 --history 5`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return documentCall(opts, cmd, args, func(ctx context.Context, n *node, key model.Key) error {
				formatter := newFormatter(rootOpts, cmd)
				got, err := engine.Wait(ctx, func(cb model.Callback[engine.Inspection]) {
					n.core.InspectAsync(key, cb)
				})
				if err != nil {
					return formatter.Fail("show failed", err)
				}
				result := ShowResult{Key: key.String(), CodeCost: got.CodeCost, Doc: got.JSON}
				if f, ok := got.Factory.(*jsondoc.Factory); ok {
					result.Version = f.Version()
				}
				if history > 0 {
					if result.History, err = loadHistory(ctx, n, key, history); err != nil {
						return formatter.Fail("history failed", err)
					}
				}
				if formatter.Format == "json" {
					return formatter.Success(result)
				}
				printShow(formatter, result)
				return nil
			})
		},
	}
	addDocumentFlags(cmd, opts)
	cmd.Flags().IntVar(&history, "history", 0, "also print the last N patches")
	return cmd
}

func loadHistory(ctx context.Context, n *node, key model.Key, limit int) ([]HistoryEntry, error) {
	records, err := n.store.History(ctx, key, limit)
	if err != nil {
		return nil, err
	}
	entries := make([]HistoryEntry, 0, len(records))
	for _, r := range records {
		e := HistoryEntry{Seq: r.Seq, Who: r.Who, Redo: r.Redo, Created: r.Created}
		if req, err := model.ParseRequest(r.Request); err == nil {
			e.Command = req.Command
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func printShow(formatter *OutputFormatter, r ShowResult) {
	w := formatter.Writer
	fmt.Fprintf(w, "%s", r.Key)
	if r.Version != "" {
		fmt.Fprintf(w, " (space %s)", r.Version)
	}
	fmt.Fprintf(w, " cost %d\n", r.CodeCost)
	fmt.Fprintln(w, string(r.Doc))
	for _, e := range r.History {
		who := e.Who
		if who == "" {
			who = "-"
		}
		fmt.Fprintf(w, "  #%d %s %s %s\n", e.Seq, e.Command, who, string(e.Redo))
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DocumentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "delete <namespace> <id>",
		Short:         "Delete a document",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return documentCall(opts, cmd, args, func(ctx context.Context, n *node, key model.Key) error {
				formatter := newFormatter(rootOpts, cmd)
				_, err := engine.Wait(ctx, func(cb model.Callback[struct{}]) {
					n.core.DeleteAsync(key, cb)
				})
				if err != nil {
					return formatter.Fail("delete failed", err)
				}
				if formatter.Format == "json" {
					return formatter.Success(CreateResult{Key: key.String()})
				}
				fmt.Fprintf(formatter.Writer, "✓ Deleted %s\n", key)
				return nil
			})
		},
	}
	addDocumentFlags(cmd, opts)
	return cmd
}
