package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/mmsession/internal/config"
	"github.com/goodtune/mmsession/internal/storage"
	"github.com/goodtune/mmsession/internal/storage/bolt"
	"github.com/goodtune/mmsession/internal/usersession"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var sessionsInstallation string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and maintain stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Example: `  mmsessiond sessions list
  mmsessiond -c config.yaml sessions list --installation abc123`,
	Args: cobra.NoArgs,
	RunE: runSessionsList,
}

var sessionsReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report closed sessions now",
	Args:  cobra.NoArgs,
	RunE:  runSessionsReport,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete reported sessions older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runSessionsPrune,
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsInstallation, "installation", "", "Only list sessions of this push registration id")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsReportCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}

type sessionEnv struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  storage.Store
	ctx    *storage.Context
}

func openSessionEnv() (*sessionEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Keep stdout for command output
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if cfg.Logging.Level != "debug" {
		logger = logger.Level(zerolog.WarnLevel)
	}

	store, err := openStorage(cfg.Storage)
	if errors.Is(err, bolt.ErrLocked) {
		return nil, fmt.Errorf("%w: query the running daemon at http://%s:%d/api/sessions instead",
			err, cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	return &sessionEnv{
		cfg:    cfg,
		logger: logger,
		store:  store,
		ctx:    storage.NewContext(store.Sessions(), logger),
	}, nil
}

func (e *sessionEnv) Close() {
	e.ctx.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close storage")
	}
}

func (e *sessionEnv) timeout() time.Duration {
	return config.Duration(e.cfg.Sessions.Timeout, usersession.DefaultSessionTimeout)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	env, err := openSessionEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	var records []storage.SessionRecord
	err = env.ctx.View(commandContext(cmd), func(tx storage.SessionTx) error {
		var err error
		records, err = tx.List(sessionsInstallation)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(records) == 0 {
		fmt.Fprintln(os.Stdout, "No sessions stored")
		return nil
	}

	now := time.Now()
	timeout := env.timeout()

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	blue := color.New(color.FgBlue)

	_, _ = bold.Printf("%-40s %-25s %-25s %-10s %s\n", "ID", "START", "END", "DURATION", "STATUS")
	for _, r := range records {
		status, c := "closed", yellow
		switch {
		case r.Reported:
			status, c = "reported", green
		case r.IsCurrent(now, timeout):
			status, c = "current", blue
		}

		fmt.Fprintf(os.Stdout, "%-40s %-25s %-25s %-10s ",
			r.ID(),
			r.StartDate.Local().Format(time.RFC3339),
			r.EndDate.Local().Format(time.RFC3339),
			r.Duration().Round(time.Second),
		)
		_, _ = c.Println(status)
	}

	return nil
}

func runSessionsReport(cmd *cobra.Command, args []string) error {
	env, err := openSessionEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	clock := clockwork.NewRealClock()
	uploader, err := buildUploader(env.cfg.Reporting, clock, env.logger)
	if err != nil {
		return err
	}

	op := usersession.NewReportOperation(env.ctx, uploader, env.timeout(), clock, env.logger)
	result, err := op.Execute(commandContext(cmd))
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Report failed: %v\n", err)
		return err
	}

	if result.Submitted == 0 {
		fmt.Fprintln(os.Stdout, "No closed sessions to report")
		return nil
	}
	_, _ = color.New(color.FgGreen).Printf("✅ Reported %d session(s), marked %d\n", result.Submitted, result.Marked)
	return nil
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	env, err := openSessionEnv()
	if err != nil {
		return err
	}
	defer env.Close()

	pruner := usersession.NewPruner(
		env.ctx,
		clockwork.NewRealClock(),
		config.Duration(env.cfg.Sessions.ReportedRetention, 7*24*time.Hour),
		config.Duration(env.cfg.Sessions.PruneInterval, time.Hour),
		env.logger,
	)
	n, err := pruner.PruneOnce(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to prune sessions: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Pruned %d reported session(s)\n", n)
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
