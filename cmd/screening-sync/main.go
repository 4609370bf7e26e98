package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kelsos/screening-sync/internal/async"
	"github.com/kelsos/screening-sync/internal/backup"
	"github.com/kelsos/screening-sync/internal/config"
	apperrors "github.com/kelsos/screening-sync/internal/errors"
	"github.com/kelsos/screening-sync/internal/fallback"
	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/models"
	"github.com/kelsos/screening-sync/internal/resume"
	"github.com/kelsos/screening-sync/internal/screening"
	"github.com/kelsos/screening-sync/internal/services"
	"github.com/kelsos/screening-sync/internal/tui"
	"github.com/kelsos/screening-sync/internal/utils"
)

type globalFlags struct {
	baseURL         string
	dataDir         string
	storage         string
	redisAddr       string
	apiReadyTimeout int
}

type runFlags struct {
	strategy     string
	industry     string
	peMin        float64
	peMax        float64
	marketCapMin float64
	changeType   string
	criteria     string
	interval     int
	useTUI       bool
	print        bool
	waitReady    bool
}

func (g globalFlags) config(cmd *cobra.Command) *config.Config {
	cfg := config.NewConfig()
	cfg.LoadFromEnvironment()

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = g.baseURL
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = g.dataDir
	}
	if flags.Changed("storage") {
		cfg.StorageBackend = g.storage
	}
	if flags.Changed("redis-addr") {
		cfg.RedisAddr = g.redisAddr
	}
	if flags.Changed("api-ready-timeout") {
		cfg.APIReadyTimeout = g.apiReadyTimeout
	}
	return cfg
}

func (r runFlags) buildCriteria(cmd *cobra.Command) (json.RawMessage, error) {
	if r.criteria != "" {
		if !json.Valid([]byte(r.criteria)) {
			return nil, fmt.Errorf("--criteria is not valid JSON")
		}
		return json.RawMessage(r.criteria), nil
	}

	preset, ok := screening.FindPreset(r.strategy)
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", r.strategy)
	}

	criteria := screening.NewCriteria(preset, r.industry, r.marketCapMin, r.changeType)
	if cmd.Flags().Changed("pe-min") || cmd.Flags().Changed("pe-max") {
		peMin, peMax := preset.PEMin, preset.PEMax
		if cmd.Flags().Changed("pe-min") {
			peMin = r.peMin
		}
		if cmd.Flags().Changed("pe-max") {
			peMax = r.peMax
		}
		criteria.SetPE(peMin, peMax)
	}
	return criteria.Raw()
}

func newService(ctx context.Context, cfg *config.Config, interactive bool) *services.ScreeningService {
	var svc *services.ScreeningService
	nav := promptNavigator{taskID: func() string {
		if s := svc.Current(); s != nil {
			return s.TaskID
		}
		return ""
	}}

	svc, err := services.NewScreeningService(ctx, cfg, services.Options{
		Interactive: interactive,
		Navigator:   nav,
	})
	if err != nil {
		logger.Fatal("Failed to initialize screening service: %v", err)
	}
	return svc
}

// followTask resumes the running task or submits criteria, and follows it
// until it ends. Interrupting asks before leaving the task running.
func followTask(ctx context.Context, svc *services.ScreeningService, criteria json.RawMessage, resumeOnly bool) (*services.Result, error) {
	var session *resume.TaskSession

	rec, err := svc.Resume(ctx)
	if err != nil {
		logger.Warn("Could not check for a running task: %v", err)
	}

	switch {
	case rec.Active:
		session = rec.Session
		logger.Info("Resumed task %s at %.0f%% (%s)", rec.Task.TaskID, rec.Task.Progress, screening.Describe(rec.Task.Criteria))
	case resumeOnly:
		if id, ok := svc.ResumePointer(ctx); ok {
			logger.Info("Task %s from an earlier run is no longer running", id)
		}
		return nil, fmt.Errorf("no running task to resume")
	default:
		session, err = svc.Submit(ctx, criteria)
		if err != nil {
			return nil, err
		}
		logger.Info("Submitted task %s", session.TaskID)
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	left := make(chan struct{})
	go func() {
		for {
			select {
			case <-signals:
				if svc.ConfirmLeave(context.Background()) {
					close(left)
					svc.Leave()
					return
				}
			case <-session.Engine.Done():
				return
			}
		}
	}()

	var lastStatus models.TaskStatus
	result, err := svc.Follow(ctx, session, func(ev async.Event) {
		if ev.Terminal() {
			return
		}
		if ev.Status != lastStatus {
			logger.Info("Task %s is %s", ev.TaskID, ev.Status)
			lastStatus = ev.Status
		}
		logger.Info("Progress %.1f%% (check %d)", ev.Progress, ev.Attempt)
	})

	select {
	case <-left:
		logger.Info("Task %s keeps running, run `screening-sync resume` to follow it again", session.TaskID)
		return nil, nil
	default:
	}
	return result, err
}

func runTask(cmd *cobra.Command, g globalFlags, r runFlags, resumeOnly bool) {
	ctx := cmd.Context()

	var criteria json.RawMessage
	if !resumeOnly {
		var err error
		if criteria, err = r.buildCriteria(cmd); err != nil {
			logger.Fatal("Invalid criteria: %v", err)
		}
	}

	if r.useTUI {
		if err := logger.InitFileOnly(); err != nil {
			logger.Fatal("Failed to initialize file logging: %v", err)
		}
		defer logger.Close()
	}

	cfg := g.config(cmd)
	if r.interval > 0 {
		cfg.PollInterval = time.Duration(r.interval) * time.Millisecond
		cfg.InteractivePollInterval = cfg.PollInterval
	}

	svc := newService(ctx, cfg, r.useTUI)
	defer svc.Cleanup()

	if r.waitReady && !svc.WaitForAPIReady(ctx) {
		logger.Fatal("Screening service is not reachable at %s", cfg.BaseURL)
	}

	var (
		result *services.Result
		err    error
	)
	if r.useTUI {
		monitor := tui.NewScreeningMonitor(svc)
		if err := monitor.Start(); err != nil {
			logger.Fatal("Failed to start TUI: %v", err)
		}
		result, err = monitor.Run(ctx, criteria, resumeOnly)
	} else {
		result, err = followTask(ctx, svc, criteria, resumeOnly)
	}

	if err != nil {
		reportError(err)
	}
	if result == nil {
		return
	}

	printResult(result)
	if r.print {
		set, ok, err := svc.SessionResults(ctx)
		switch {
		case err != nil:
			logger.Error("Failed to read results: %v", err)
		case ok:
			printResults(set.Results)
		}
	}
}

func reportError(err error) {
	switch {
	case apperrors.IsSubmission(err) && apperrors.IsValidation(err):
		logger.Fatal("The service rejected the criteria: %v", err)
	case apperrors.IsTaskFailed(err):
		logger.Fatal("Screening failed: %v", err)
	case apperrors.IsTaskTimeout(err):
		logger.Fatal("%v", err)
	case apperrors.IsTaskCancelled(err):
		logger.Warn("%v", err)
	case apperrors.IsPersistenceLost(err):
		logger.Fatal("Results could not be saved anywhere: %v", err)
	default:
		logger.Fatal("%v", err)
	}
}

func historyCommand(g *globalFlags) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Browse and manage the screening history",
	}

	withService := func(cmd *cobra.Command, fn func(ctx context.Context, svc *services.ScreeningService)) {
		svc := newService(cmd.Context(), g.config(cmd), false)
		defer svc.Cleanup()
		fn(cmd.Context(), svc)
	}

	warnDegraded := func(err error) {
		if err == nil {
			return
		}
		if fallback.Usable(err) {
			fmt.Println(warnStyle.Render("The service is unavailable, showing local history"))
			return
		}
		logger.Fatal("%v", err)
	}

	var page, pageSize int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List history records, newest first",
		Run: func(cmd *cobra.Command, args []string) {
			withService(cmd, func(ctx context.Context, svc *services.ScreeningService) {
				result, err := svc.History().List(ctx, page, pageSize)
				warnDegraded(err)
				printHistoryPage(result)
			})
		},
	}
	listCmd.Flags().IntVarP(&page, "page", "p", 1, "Page number")
	listCmd.Flags().IntVarP(&pageSize, "page-size", "n", 20, "Records per page")

	parseID := func(arg string) int64 {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			logger.Fatal("Invalid history id %q", arg)
		}
		return id
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one history record with its stored results",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withService(cmd, func(ctx context.Context, svc *services.ScreeningService) {
				record, err := svc.History().Get(ctx, parseID(args[0]))
				warnDegraded(err)
				printHistoryRecord(record)
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one history record",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			withService(cmd, func(ctx context.Context, svc *services.ScreeningService) {
				id := parseID(args[0])
				warnDegraded(svc.History().Delete(ctx, id))
				logger.Info("History record %d deleted", id)
			})
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every history record, remote and local",
		Run: func(cmd *cobra.Command, args []string) {
			if !yes && !confirm("Delete the whole screening history") {
				return
			}
			withService(cmd, func(ctx context.Context, svc *services.ScreeningService) {
				n, err := svc.History().Clear(ctx)
				warnDegraded(err)
				logger.Info("Cleared %d history records", n)
			})
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")

	historyCmd.AddCommand(listCmd, showCmd, deleteCmd, clearCmd)
	return historyCmd
}

func main() {
	utils.LoadEnvironment()
	logger.Init()

	var g globalFlags
	var r runFlags

	rootCmd := &cobra.Command{
		Use:   "screening-sync",
		Short: "A CLI tool for running stock screening tasks",
		Long: `screening-sync submits stock screening tasks to the screening service,
follows them to completion, resumes tasks left running by an earlier run,
and keeps the screening history in sync with a local fallback.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Submit a screening task and follow it to completion",
		Long: `Submit a screening task and follow it to completion. When a task is
already running for this client it is resumed instead of submitting a new one.`,
		Run: func(cmd *cobra.Command, args []string) {
			runTask(cmd, g, r, false)
		},
	}
	runCmd.Flags().StringVarP(&r.strategy, "strategy", "s", "balanced", "Strategy preset: conservative, balanced or growth")
	runCmd.Flags().StringVarP(&r.industry, "industry", "i", "", "Industry filter (default: all)")
	runCmd.Flags().Float64Var(&r.peMin, "pe-min", 0, "Minimum PE, overrides the preset")
	runCmd.Flags().Float64Var(&r.peMax, "pe-max", 0, "Maximum PE, overrides the preset")
	runCmd.Flags().Float64VarP(&r.marketCapMin, "market-cap-min", "m", 50, "Minimum market cap in 亿")
	runCmd.Flags().StringVarP(&r.changeType, "change-type", "c", "all", "Price change filter: all, up or down")
	runCmd.Flags().StringVar(&r.criteria, "criteria", "", "Raw criteria JSON, overrides every other criteria flag")
	runCmd.Flags().BoolVarP(&r.print, "print", "P", false, "Print the result table after completion")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Follow the task left running by an earlier run",
		Run: func(cmd *cobra.Command, args []string) {
			runTask(cmd, g, r, true)
		},
	}

	for _, cmd := range []*cobra.Command{runCmd, resumeCmd} {
		cmd.Flags().IntVarP(&r.interval, "interval", "d", 0, "Polling interval in milliseconds (default from config)")
		cmd.Flags().BoolVar(&r.useTUI, "tui", false, "Follow the task in the terminal UI")
		cmd.Flags().BoolVarP(&r.waitReady, "wait-ready", "w", false, "Wait for the service health check before starting")
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc := newService(cmd.Context(), g.config(cmd), false)
			defer svc.Cleanup()

			if err := svc.Cancel(cmd.Context(), args[0]); err != nil {
				logger.Fatal("Failed to cancel task %s: %v", args[0], err)
			}
			logger.Info("Task %s cancelled", args[0])
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [task-id...]",
		Short: "Show the state of tasks, or of the running one",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := cmd.Context()
			svc := newService(ctx, g.config(cmd), false)
			defer svc.Cleanup()

			if len(args) == 0 {
				active, err := svc.Active(ctx)
				if err != nil {
					logger.Fatal("Failed to query the active task: %v", err)
				}
				if !active.Active {
					fmt.Println("No task is running")
					return
				}
				args = []string{active.Task.TaskID}
			}

			statuses := make([]*models.TaskStatusResponse, len(args))
			eg, gctx := errgroup.WithContext(ctx)
			eg.SetLimit(4)
			for i, id := range args {
				eg.Go(func() error {
					resp, err := svc.Status(gctx, id)
					if err != nil {
						return fmt.Errorf("task %s: %w", id, err)
					}
					statuses[i] = resp
					return nil
				})
			}
			if err := eg.Wait(); err != nil {
				logger.Fatal("%v", err)
			}
			for _, s := range statuses {
				printStatus(s)
			}
		},
	}

	strategiesCmd := &cobra.Command{
		Use:   "strategies",
		Short: "List the strategy presets",
		Run: func(cmd *cobra.Command, args []string) {
			svc := newService(cmd.Context(), g.config(cmd), false)
			defer svc.Cleanup()

			t := newTable("Name", "Description")
			strategies, err := svc.Strategies(cmd.Context())
			if err != nil {
				logger.Warn("Service strategies unavailable, showing built-in presets: %v", err)
				for _, p := range screening.Presets {
					t.Row(fmt.Sprintf("%s (%s)", p.Name, p.Key), p.Detail)
				}
			}
			for _, s := range strategies {
				t.Row(s.Name, s.Description)
			}
			fmt.Println(t)
		},
	}

	var backupDir string
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the local screening state",
		Long:  `Create a zip archive of the durable state kept by the file backend: local history, resume pointer and client id.`,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := g.config(cmd)
			if cfg.StorageBackend != config.StorageFile {
				logger.Fatal("Backups are only available for the file storage backend")
			}
			dataDir, err := cfg.ResolveDataDir()
			if err != nil {
				logger.Fatal("Failed to resolve data directory: %v", err)
			}
			backupFile, err := backup.CreateBackup(dataDir, backupDir)
			if err != nil {
				logger.Fatal("Failed to create backup: %v", err)
			}
			logger.Info("Backup created successfully: %s", backupFile)
		},
	}
	backupCmd.Flags().StringVarP(&backupDir, "backup-dir", "", "", "Directory where the backup will be stored (default: ~/backups)")

	rootCmd.PersistentFlags().StringVarP(&g.baseURL, "base-url", "u", "", "Screening service URL (default from SCREENING_BASE_URL or http://localhost:8000)")
	rootCmd.PersistentFlags().StringVar(&g.dataDir, "data-dir", "", "Directory for durable local state (default ~/.screening-sync)")
	rootCmd.PersistentFlags().StringVar(&g.storage, "storage", "", "Durable storage backend: file or redis")
	rootCmd.PersistentFlags().StringVar(&g.redisAddr, "redis-addr", "", "Redis address for the redis backend")
	rootCmd.PersistentFlags().IntVarP(&g.apiReadyTimeout, "api-ready-timeout", "t", 30, "Maximum attempts to check API readiness")

	rootCmd.AddCommand(runCmd, resumeCmd, cancelCmd, statusCmd, strategiesCmd, backupCmd, historyCommand(&g))

	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Fatal("Failed to execute command: %v", err)
	}
}
