package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/agentcore/commbus"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/config"
	"github.com/jeeves-cluster-organization/agentcore/coreengine/kernel"
)

// maxLineBytes bounds one inbound JSONL message.
const maxLineBytes = 4 << 20

type runOptions struct {
	tools         string
	maxIterations int
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive sessions over stdio as JSON lines",
		Long: `Reads one inbound message per line from stdin, {"payload": ..., "_correlation": ...},
and writes every output as a JSON line {"traceId", "channel", "index", "message"}
to stdout. A line without _correlation starts a session; the host answers
model, tool and memory outputs by echoing their _correlation back.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStdio(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.tools, "tools", "", "comma separated allow-list (overrides agent.allowedTools)")
	cmd.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "override agent.maxIterations")
	return cmd
}

func runStdio(cmd *cobra.Command, root *rootOptions, opts *runOptions) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	if tools := splitList(opts.tools); tools != nil {
		cfg.Agent.AllowedTools = tools
	}
	if opts.maxIterations != 0 {
		cfg.Agent.MaxIterations = opts.maxIterations
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)

	router, bus, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	unsubscribe := bus.Subscribe("ChannelOutput", newLineWriter(cmd.OutOrStdout()).write)
	defer unsubscribe()

	return pump(cmd.Context(), cmd.InOrStdin(), router, commbus.NewBusSink(bus, commbus.WithSinkLogger(logger)), logger)
}

// buildRuntime wires a router to a bus with session handlers registered.
func buildRuntime(cfg *config.ServerConfig, logger *slog.Logger) (*kernel.Router, *commbus.InMemoryCommBus, error) {
	catalog, err := buildCatalog(cfg.Tools)
	if err != nil {
		return nil, nil, fmt.Errorf("tools: %w", err)
	}
	router, err := kernel.NewRouter(cfg.Agent, kernel.WithLogger(logger), kernel.WithCatalog(catalog))
	if err != nil {
		return nil, nil, err
	}

	bus := commbus.NewInMemoryCommBus(5*time.Second, commbus.WithBusLogger(logger))
	bus.AddMiddleware(commbus.NewLoggingMiddleware(logger))
	if err := commbus.RegisterSessionHandlers(bus, router); err != nil {
		return nil, nil, err
	}
	return router, bus, nil
}

// pump feeds each stdin line to the router until EOF or cancellation.
// Unparseable lines and failed sessions are logged and skipped.
func pump(ctx context.Context, in io.Reader, router *kernel.Router, sink kernel.OutputSink, logger *slog.Logger) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return err
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			logger.Warn("run_invalid_line", "line", line, "error", err)
			continue
		}
		if err := router.Handle(ctx, kernel.MessageFromMap(m), sink); err != nil {
			var execErr *kernel.ExecutionError
			if !errors.As(err, &execErr) {
				return err
			}
			logger.Error("run_session_failed", "line", line, "trace_id", execErr.TraceID, "error", err)
		}
	}
	return scanner.Err()
}

// lineWriter serializes ChannelOutput events as JSON lines.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (w *lineWriter) write(_ context.Context, msg commbus.Message) (any, error) {
	out, ok := msg.(*commbus.ChannelOutput)
	if !ok {
		return nil, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return nil, w.enc.Encode(out)
}
