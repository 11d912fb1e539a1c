package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fieldsync/internal/client/connectivity"
	"fieldsync/internal/client/opclient"
	"fieldsync/internal/client/queue"
	"fieldsync/internal/client/stream"
	"fieldsync/internal/client/syncer"
	"fieldsync/internal/client/view"
	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/xid"
)

// agent bundles the device-side components for one command invocation.
type agent struct {
	cfg     config.AgentConfig
	log     *zap.Logger
	queue   *queue.Store
	monitor *connectivity.Monitor
	client  *opclient.Client
	view    *view.View
	http    *http.Client
}

func newAgentCmd(env envFunc) *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Device agent: queue, replay and live view"}
	cmd.PersistentFlags().String("server", "", "Server base URL (default AGENT_SERVER_URL)")
	cmd.PersistentFlags().String("token", "", "Bearer token (default AGENT_TOKEN)")
	cmd.PersistentFlags().String("data-dir", "", "Queue directory (default AGENT_DATA_DIR)")

	open := func(cmd *cobra.Command) (*agent, error) {
		cfg, log := env()
		agentCfg := cfg.Agent
		if v, _ := cmd.Flags().GetString("server"); v != "" {
			agentCfg.ServerURL = v
		}
		if v, _ := cmd.Flags().GetString("token"); v != "" {
			agentCfg.Token = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			agentCfg.DataDir = v
		}
		return openAgent(agentCfg, log)
	}

	cmd.AddCommand(newAgentRunCmd(open))
	cmd.AddCommand(newAgentSendCmd(open))
	cmd.AddCommand(newAgentSyncCmd(open))
	cmd.AddCommand(newAgentPendingCmd(open))
	cmd.AddCommand(newAgentAbandonedCmd(open))
	return cmd
}

type openFunc func(cmd *cobra.Command) (*agent, error)

func openAgent(cfg config.AgentConfig, log *zap.Logger) (*agent, error) {
	q, err := queue.Open(cfg.DataDir, log.Named("queue"))
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	monitor := connectivity.NewMonitor(false, log.Named("connectivity"))
	client := opclient.New(q, monitor, opclient.Options{
		BaseURL:    cfg.ServerURL,
		Token:      cfg.Token,
		Timeout:    cfg.HTTPTimeout,
		HTTPClient: httpClient,
		OnPending: func(pending int) {
			log.Info("operation queued", zap.Int("pending", pending))
		},
		Logger: log.Named("opclient"),
	})
	return &agent{
		cfg:     cfg,
		log:     log,
		queue:   q,
		monitor: monitor,
		client:  client,
		view:    view.New(),
		http:    httpClient,
	}, nil
}

func (a *agent) Close() error {
	return a.queue.Close()
}

func (a *agent) healthURL() string {
	return strings.TrimRight(a.cfg.ServerURL, "/") + "/healthz"
}

func (a *agent) engine() *syncer.Engine {
	return syncer.New(a.queue, a.client, syncer.Options{
		Interval:     a.cfg.SyncInterval,
		RetryCeiling: a.cfg.RetryCeiling,
		Connectivity: a.monitor,
		Observer:     a.view,
		Logger:       a.log.Named("syncer"),
	})
}

// seedStock loads the stock listing into the view, from the server or the
// local snapshot.
func (a *agent) seedStock(ctx context.Context) {
	result, err := a.client.Fetch(ctx, "/api/v1/stock")
	if err != nil {
		a.log.Warn("stock listing unavailable", zap.Error(err))
		return
	}
	var body struct {
		Stock []domain.StockRecord `json:"stock"`
	}
	if err := json.Unmarshal(result.Response.Body, &body); err != nil {
		a.log.Warn("stock listing unreadable", zap.Error(err))
		return
	}
	a.view.Stock.Seed(body.Stock)
	a.log.Info("stock view seeded", zap.Int("products", len(body.Stock)), zap.Bool("cached", result.Cached))
}

func newAgentRunCmd(open openFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch connectivity, drain the queue and follow live events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			channels, _ := cmd.Flags().GetStringSlice("channel")
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.run(ctx, channels)
		},
	}
	cmd.Flags().StringSlice("channel", nil, "Channels to follow (default: the token's tenant and areas)")
	return cmd
}

func (a *agent) run(ctx context.Context, channels []string) error {
	a.monitor.Probe(ctx, a.http, a.healthURL())
	a.seedStock(ctx)

	engine := a.engine()
	engine.Start(ctx)
	defer engine.Stop()

	events := stream.New(stream.Options{
		BaseURL:  a.cfg.ServerURL,
		Token:    a.cfg.Token,
		Channels: channels,
		OnSession: func(s stream.Session) {
			a.log.Info("event stream connected", zap.String("session", s.ID), zap.Strings("channels", s.Channels))
			a.monitor.SetOnline(true)
		},
		Logger: a.log.Named("stream"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.monitor.Run(gctx, a.http, a.healthURL(), a.cfg.SyncInterval)
		return nil
	})
	g.Go(func() error {
		err := events.Run(gctx, a.view.Handle)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	a.log.Info("agent running", zap.String("server", a.cfg.ServerURL), zap.Int("pending", a.queue.PendingCount()))
	return g.Wait()
}

func newAgentSendCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "send <CREATE|UPDATE|PATCH|DELETE> <target> [json-payload]",
		Short: "Send a write now, or queue it when the server is unreachable",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			method := queue.Method(strings.ToUpper(args[0]))
			if !method.Valid() {
				return fmt.Errorf("unknown method %q", args[0])
			}
			var payload []byte
			if len(args) == 3 {
				payload = []byte(args[2])
				if !json.Valid(payload) {
					return fmt.Errorf("payload is not valid JSON")
				}
			}

			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.send(cmd.Context(), cmd.OutOrStdout(), method, args[1], payload)
		},
	}
}

func (a *agent) send(ctx context.Context, out io.Writer, method queue.Method, target string, payload []byte) error {
	a.monitor.Probe(ctx, a.http, a.healthURL())

	key := xid.New("op")
	if err := a.view.Track(method, target, payload, key); err != nil {
		return err
	}
	result, err := a.client.SendKeyed(ctx, method, target, payload, key)
	if err != nil {
		var rejected *opclient.RejectedError
		if errors.As(err, &rejected) || errors.Is(err, opclient.ErrUnauthorized) {
			a.view.OnRejected(queue.Operation{Method: method, Target: target, IdempotencyKey: key}, err)
		}
		return err
	}

	if result.Queued != nil {
		return writeOut(out, map[string]any{
			"queued":       true,
			"operation_id": result.Queued.OperationID,
			"pending":      result.Queued.Pending,
		})
	}
	a.view.Stock.Confirm(key)
	a.view.Orders.Confirm(key)
	return writeOut(out, map[string]any{
		"status": result.Response.Status,
		"body":   json.RawMessage(nonEmptyJSON(result.Response.Body)),
	})
}

func newAgentSyncCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue once and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.monitor.Probe(cmd.Context(), a.http, a.healthURL())
			report, err := a.engine().Drain(cmd.Context())
			if err != nil {
				return err
			}
			return writeOut(cmd.OutOrStdout(), report)
		},
	}
}

func newAgentPendingCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued operations, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.queue.ListPending(cmd.Context())
			if err != nil {
				return err
			}
			return writeOut(cmd.OutOrStdout(), map[string]any{"pending": ops})
		},
	}
}

func newAgentAbandonedCmd(open openFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandoned",
		Short: "List operations that were rejected or ran out of retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ops, err := a.queue.ListAbandoned(cmd.Context())
			if err != nil {
				return err
			}
			if clearAll, _ := cmd.Flags().GetBool("clear"); clearAll {
				if err := a.queue.ClearAbandoned(cmd.Context()); err != nil {
					return err
				}
			}
			return writeOut(cmd.OutOrStdout(), map[string]any{"abandoned": ops})
		},
	}
	cmd.Flags().Bool("clear", false, "Remove the listed entries after printing them")
	return cmd
}

func writeOut(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func nonEmptyJSON(body []byte) []byte {
	if len(body) == 0 || !json.Valid(body) {
		return []byte("null")
	}
	return body
}
