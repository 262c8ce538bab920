// Command backhauld is the orchestrator: it accepts agent data channels
// and stores or serves backup fragments for the running job.
//
// Usage:
//
//	backhauld serve --backup nightly
//	backhauld serve --restore nightly
//	backhauld jobs
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/sheerbytes/backhaul/internal/channel"
	"github.com/sheerbytes/backhaul/internal/config"
	"github.com/sheerbytes/backhaul/internal/job"
	"github.com/sheerbytes/backhaul/internal/logging"
	"github.com/sheerbytes/backhaul/internal/orchestrator"
	"github.com/sheerbytes/backhaul/internal/server"
	"github.com/sheerbytes/backhaul/internal/session"
	"github.com/sheerbytes/backhaul/internal/storage"
	"github.com/sheerbytes/backhaul/internal/store"
)

const version = "v0.3.0"

func main() {
	app := &cli.App{
		Name:           "backhauld",
		Usage:          "Backup orchestrator data channel server",
		Version:        version,
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"BACKHAUL_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			jobsCommand(),
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

func loadConfig(c *cli.Context) (config.ServerConfig, error) {
	cfg, err := config.LoadServerConfig(c.String("config"))
	if err != nil {
		return cfg, cli.Exit(err.Error(), 2)
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("addr") {
		cfg.Addr = c.String("addr")
	}
	if c.IsSet("quic-addr") {
		cfg.QUICAddr = c.String("quic-addr")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, cli.Exit("invalid config: "+err.Error(), 2)
	}
	return cfg, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Accept data channels for a backup or restore job",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Usage: "HTTP listen address"},
			&cli.StringFlag{Name: "quic-addr", Usage: "QUIC listen address (disabled when empty)"},
			&cli.StringFlag{Name: "backup", Usage: "start a backup job with this name"},
			&cli.StringFlag{Name: "restore", Usage: "start a restore job for this backup name"},
		},
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := logging.New("backhauld", cfg.LogLevel)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	provider, err := newProvider(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	jobs := job.NewExecutor(logger)
	jobCfg := job.Config{
		Layout:             storage.Layout{Root: cfg.Storage.Root, BackupManagerID: cfg.Storage.BackupManagerID},
		Storage:            provider,
		DataChannelTimeout: cfg.DataChannel.Timeout(),
		Recorder:           db,
		Logger:             logger,
	}
	var started []*job.Job
	if name := c.String("backup"); name != "" {
		jc := jobCfg
		jc.BackupName = name
		started = append(started, job.NewBackupJob(jc))
	}
	if name := c.String("restore"); name != "" {
		jc := jobCfg
		jc.BackupName = name
		started = append(started, job.NewRestoreJob(jc))
	}
	for _, j := range started {
		if err := jobs.Start(j); err != nil {
			return err
		}
	}

	sessions := session.NewStore(cfg.StreamTTL.Duration, nil)
	svc := orchestrator.NewDataService(orchestrator.Config{
		Jobs:             jobs,
		Sessions:         sessions,
		RestoreChunkSize: cfg.DataChannel.RestoreChunkSize(),
		PollInterval:     cfg.DataChannel.PollInterval.Duration,
		AckTimeout:       cfg.DataChannel.AckTimeout.Duration,
		Logger:           logger,
	})
	srv := server.New(server.Config{
		Addr:       cfg.Addr,
		QUICAddr:   cfg.QUICAddr,
		MaxStreams: cfg.MaxStreams,
		Channel:    channel.Config{QueueSize: cfg.DataChannel.QueueSize, Logger: logger},
		Logger:     logger,
	}, svc, sessions)

	logger.Info("starting orchestrator",
		zap.String("addr", cfg.Addr),
		zap.String("quic_addr", cfg.QUICAddr),
		zap.String("storage", cfg.Storage.Type),
		zap.String("restore_chunk", humanize.IBytes(uint64(cfg.DataChannel.RestoreChunkSize()))))

	runErr := srv.Run(ctx)
	for _, j := range started {
		status, err := jobs.Finish(j.ID())
		if err != nil {
			logger.Warn("finish job", zap.String("job_id", j.ID()), zap.Error(err))
			continue
		}
		logger.Info("job finished",
			zap.String("job_id", j.ID()),
			zap.String("type", string(j.Type())),
			zap.String("status", status))
	}
	return runErr
}

func newProvider(ctx context.Context, cfg config.StorageConfig) (storage.Provider, error) {
	if cfg.Type == config.StorageS3 {
		p, err := storage.NewS3(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 storage: %w", err)
		}
		return p, nil
	}
	return storage.NewLocal(), nil
}

func jobsCommand() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "List recorded jobs and their fragments",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "number of jobs to show"},
		},
		Action: jobsAction,
	}
}

func jobsAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	db, err := store.New(cfg.Database, zap.NewNop())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	jobs, err := db.ListJobs(c.Int("limit"))
	if err != nil {
		return err
	}
	w := c.App.Writer
	for _, j := range jobs {
		fmt.Fprintf(w, "%s  %-7s  %-10s  %-9s  %s\n", j.ID, j.Type, j.BackupName, j.Status, j.StartTime.Format(time.RFC3339))
		frags, err := db.ListFragments(j.ID)
		if err != nil {
			return err
		}
		for _, f := range frags {
			fmt.Fprintf(w, "    %s/%s  %s  attempts=%d  %s\n", f.AgentID, f.FragmentID, f.Status, f.Attempts, humanize.IBytes(uint64(f.BytesSent)))
		}
	}
	return nil
}
