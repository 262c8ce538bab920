// Command backhaul-agent sends local files to the orchestrator as backup
// fragments and downloads them back.
//
// Usage:
//
//	backhaul-agent --agent-id a1 backup --name nightly --fragment f1=/data/db.tar,/data/db.json
//	backhaul-agent --agent-id a1 restore --name nightly --dir /restore --fragment f1
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/sheerbytes/backhaul/internal/agent"
	"github.com/sheerbytes/backhaul/internal/channel"
	"github.com/sheerbytes/backhaul/internal/clienthttp"
	"github.com/sheerbytes/backhaul/internal/config"
	"github.com/sheerbytes/backhaul/internal/logging"
	"github.com/sheerbytes/backhaul/internal/quicstream"
	"github.com/sheerbytes/backhaul/internal/transfer"
	"github.com/sheerbytes/backhaul/pkg/protocol"
)

const version = "v0.3.0"

func main() {
	app := &cli.App{
		Name:           "backhaul-agent",
		Usage:          "Send and restore backup fragments",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"BACKHAUL_CONFIG"}},
			&cli.StringFlag{Name: "agent-id", Usage: "agent identifier"},
			&cli.StringFlag{Name: "server", Usage: "orchestrator URL for the websocket transport"},
			&cli.StringFlag{Name: "transport", Usage: "websocket or quic"},
			&cli.StringFlag{Name: "quic-addr", Usage: "orchestrator QUIC address"},
			&cli.IntFlag{Name: "parallel", Usage: "concurrent fragment transfers"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Send fragments to the running backup job",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true, Usage: "backup name"},
					&cli.StringSliceFlag{Name: "fragment", Required: true, Usage: "id=path[,custom-metadata-path]"},
					&cli.StringFlag{Name: "fragment-version", Usage: "version recorded for every fragment"},
				},
				Action: backupAction,
			},
			{
				Name:  "restore",
				Usage: "Download fragments from the running restore job",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true, Usage: "backup name"},
					&cli.StringFlag{Name: "dir", Required: true, Usage: "restore directory"},
					&cli.StringSliceFlag{Name: "fragment", Required: true, Usage: "id[@version]"},
				},
				Action: restoreAction,
			},
			{
				Name:   "status",
				Usage:  "Check the orchestrator and list its open data channels",
				Action: statusAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" && msg != fmt.Sprintf("exit status %d", exitCoder.ExitCode()) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func loadConfig(c *cli.Context) (config.AgentConfig, error) {
	cfg, err := config.LoadAgentConfig(c.String("config"))
	if err != nil {
		return cfg, cli.Exit(err.Error(), 2)
	}
	if c.IsSet("agent-id") {
		cfg.AgentID = c.String("agent-id")
	}
	if c.IsSet("server") {
		cfg.ServerURL = c.String("server")
	}
	if c.IsSet("transport") {
		cfg.Transport = c.String("transport")
	}
	if c.IsSet("quic-addr") {
		cfg.QUICAddr = c.String("quic-addr")
	}
	if c.IsSet("parallel") {
		cfg.Parallel = c.Int("parallel")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, cli.Exit("invalid config: "+err.Error(), 2)
	}
	return cfg, nil
}

func newDialer(cfg config.AgentConfig) agent.Dialer {
	if cfg.Transport == config.TransportQUIC {
		return agent.NewQUICDialer(cfg.QUICAddr, quicstream.ClientTLSConfig())
	}
	return &agent.WebSocketDialer{ServerURL: cfg.ServerURL, AgentID: cfg.AgentID}
}

func agentConfig(cfg config.AgentConfig, chunkSize int, logger *zap.Logger) agent.Config {
	return agent.Config{
		AgentID: cfg.AgentID,
		Options: transfer.Options{
			ChunkSize:    chunkSize,
			ReadyTimeout: cfg.DataChannel.Timeout(),
			PollInterval: cfg.DataChannel.PollInterval.Duration,
			AckTimeout:   cfg.DataChannel.AckTimeout.Duration,
		},
		Parallel: cfg.Parallel,
		Channel:  channel.Config{QueueSize: cfg.DataChannel.QueueSize, Logger: logger},
		Logger:   logger,
	}
}

func backupAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fragments, err := parseBackupFragments(c.StringSlice("fragment"), c.String("fragment-version"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	logger := logging.New("backhaul-agent", cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer := newDialer(cfg)
	defer dialer.Close()
	svc := agent.NewBackupService(dialer, agentConfig(cfg, cfg.DataChannel.BackupChunkSize(), logger))
	results, err := svc.Backup(ctx, c.String("name"), fragments)
	printResults(c, results)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func restoreAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fragments, err := parseRestoreFragments(c.StringSlice("fragment"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	logger := logging.New("backhaul-agent", cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer := newDialer(cfg)
	defer dialer.Close()
	svc := agent.NewRestoreService(dialer, agentConfig(cfg, cfg.DataChannel.RestoreChunkSize(), logger))
	results, err := svc.Restore(ctx, c.String("name"), c.String("dir"), fragments)
	printResults(c, results)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func statusAction(c *cli.Context) error {
	cfg, err := config.LoadAgentConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if c.IsSet("server") {
		cfg.ServerURL = c.String("server")
	}
	if err := clienthttp.Health(c.Context, cfg.ServerURL); err != nil {
		return cli.Exit("orchestrator unhealthy: "+err.Error(), 1)
	}
	streams, err := clienthttp.ListStreams(c.Context, cfg.ServerURL)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "orchestrator ok, %d open data channels\n", len(streams))
	for _, s := range streams {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\n", s.ID, s.Direction, s.Transport, s.AgentID, s.FragmentID, s.OpenedAt.Format(time.RFC3339))
	}
	return nil
}

func printResults(c *cli.Context, results []agent.Result) {
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "failed"
		}
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%d\n", r.FragmentID, status, r.Bytes)
	}
}

// parseBackupFragments parses id=path[,custom-metadata-path] values.
func parseBackupFragments(values []string, version string) ([]agent.Fragment, error) {
	seen := make(map[string]bool)
	var out []agent.Fragment
	for _, v := range values {
		id, paths, ok := strings.Cut(v, "=")
		if !ok || id == "" || paths == "" {
			return nil, fmt.Errorf("invalid fragment %q, want id=path[,custom-metadata-path]", v)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate fragment id %q", id)
		}
		seen[id] = true
		primary, custom, _ := strings.Cut(paths, ",")
		out = append(out, agent.Fragment{
			ID:                 id,
			Version:            version,
			Path:               primary,
			CustomMetadataPath: custom,
		})
	}
	return out, nil
}

// parseRestoreFragments parses id[@version] values.
func parseRestoreFragments(values []string) ([]protocol.Fragment, error) {
	var out []protocol.Fragment
	for _, v := range values {
		id, ver, _ := strings.Cut(v, "@")
		if id == "" {
			return nil, fmt.Errorf("invalid fragment %q, want id[@version]", v)
		}
		if ver == "" {
			ver = agent.DefaultFragmentVersion
		}
		out = append(out, protocol.Fragment{FragmentID: id, Version: ver, SizeInBytes: "0"})
	}
	return out, nil
}
