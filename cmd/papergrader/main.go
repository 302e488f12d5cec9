package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/papergrader/internal/events"
	"github.com/pavelanni/papergrader/internal/handler"
	appI18n "github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/jobs"
	"github.com/pavelanni/papergrader/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "papergrader",
		Short: "Grade scanned handwritten exam papers with a vision model",
	}

	serve := serveCmd()
	root.AddCommand(serve, gradeCmd(), exportCmd(), purgeCacheCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `papergrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func commonFlags(f *pflag.FlagSet) {
	f.String("db", "papergrader.db", "SQLite database path")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

// engineFlags configure everything needed to grade papers.
func engineFlags(f *pflag.FlagSet) {
	commonFlags(f)
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2-vision", "Vision model name")
	f.Int64("llm-concurrency", 4, "Maximum concurrent AI model calls")
	f.Duration("rate-limit-backoff", 60*time.Second, "Wait before retrying a rate-limited call")
	f.Int("rate-limit-retries", 3, "Retries for a rate-limited call")
	f.Bool("rate-limit-exponential", false, "Double the backoff on each retry")
	f.Int("chunk-pages", 10, "Pages per AI model call (max 10)")
	f.Int("min-text-chars", 100, "Extracted text shorter than this is low quality")
	f.Int("paper-concurrency", 4, "Papers graded at once within a job")
	f.Duration("cache-ttl", 720*time.Hour, "Result cache entry lifetime")
	f.String("cache-backend", "sqlite", "Result cache backend (sqlite, redis, memory)")
	f.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis cache backend")
	f.String("purge-schedule", "@hourly", "Cron schedule for purging expired cache entries")
	f.String("events", events.BackendGoChannel, "Job event backend (gochannel, kafka, none)")
	f.StringSlice("kafka-brokers", nil, "Kafka brokers for the kafka event backend")
	f.String("pdftoppm", "pdftoppm", "Path to pdftoppm for rasterizing PDF uploads")
	f.Int("dpi", 150, "Rasterization resolution")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	f.Bool("skip-llm-check", false, "Start without checking the AI model endpoint")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP grading API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	engineFlags(f)
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade DIR",
		Short: "Grade a directory of papers against an exam and wait for the result",
		Long: `Each subdirectory of DIR is one paper whose image files are its pages in
name order. Each PDF file directly in DIR is one paper. The paper ID is the
subdirectory or file name without extension.`,
		Args: cobra.ExactArgs(1),
		RunE: runGrade,
	}
	f := cmd.Flags()
	engineFlags(f)
	f.String("exam-id", "", "Exam to grade against (required)")
	f.String("grading-mode", "", "Override the exam's grading mode")
	f.Duration("poll", 2*time.Second, "Job poll interval")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export an exam's graded submissions as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.String("exam-id", "", "Exam identifier (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func purgeCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge-cache",
		Short: "Delete expired result cache entries",
		RunE:  runPurgeCache,
	}
	f := cmd.Flags()
	commonFlags(f)
	f.String("cache-backend", "sqlite", "Result cache backend (sqlite, redis, memory)")
	f.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis cache backend")
	f.Duration("cache-ttl", 720*time.Hour, "Result cache entry lifetime")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("PAPERGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("papergrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/papergrader")
	v.AddConfigPath("/etc/papergrader")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(v.GetString("lang")))
	handler.New(a.store, a.pages, a.tracker, a.rasterizer).Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.tracker.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", v.GetString("lang"),
			"cache_backend", v.GetString("cache-backend"),
			"events", v.GetString("events"),
			"paper_concurrency", v.GetInt("paper-concurrency"),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runGrade(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	papers, err := loadPapers(args[0])
	if err != nil {
		return err
	}

	a, err := openApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	jobID, err := a.tracker.Submit(ctx, jobs.SubmitRequest{
		ExamID:      v.GetString("exam-id"),
		GradingMode: parseMode(v.GetString("grading-mode")),
		Papers:      papers,
	})
	if err != nil {
		return fmt.Errorf("submit job: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go func() {
		if err := a.tracker.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("job runner stopped", "error", err)
		}
	}()

	job, err := a.tracker.Wait(ctx, jobID, v.GetDuration("poll"))
	if err != nil {
		if ctx.Err() != nil {
			if _, cerr := a.tracker.Cancel(context.WithoutCancel(ctx), jobID); cerr != nil {
				slog.Warn("cancel job", "job_id", jobID, "error", cerr)
			}
		}
		return fmt.Errorf("wait for job %s: %w", jobID, err)
	}

	out := appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(v.GetString("lang")))
	fmt.Printf("job %s %s: %s, %s\n", job.ID, job.Status,
		appI18n.Tp(out, "PapersGraded", job.Successful), appI18n.Tp(out, "PapersFailed", job.Failed))
	for _, je := range job.Errors {
		fmt.Printf("  %s q%d [%s] %s\n", je.PaperID, je.QuestionNumber, je.Kind, je.Message)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportExam(cmd.Context(), v.GetString("exam-id"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func runPurgeCache(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	svc, closeCache, err := openCache(v, db)
	if err != nil {
		return err
	}
	defer closeCache()

	n, err := svc.Purge(cmd.Context())
	if err != nil {
		return fmt.Errorf("purge cache: %w", err)
	}
	fmt.Printf("purged %d expired cache entries\n", n)
	return nil
}
