package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/pavelanni/papergrader/internal/cache"
	"github.com/pavelanni/papergrader/internal/events"
	"github.com/pavelanni/papergrader/internal/extract"
	"github.com/pavelanni/papergrader/internal/grading"
	appI18n "github.com/pavelanni/papergrader/internal/i18n"
	"github.com/pavelanni/papergrader/internal/jobs"
	"github.com/pavelanni/papergrader/internal/llm"
	"github.com/pavelanni/papergrader/internal/model"
	"github.com/pavelanni/papergrader/internal/orchestrator"
	"github.com/pavelanni/papergrader/internal/pages"
	"github.com/pavelanni/papergrader/internal/store"
)

// app is the fully wired grading stack shared by serve and grade.
type app struct {
	store      *store.Store
	pages      *pages.Store
	tracker    *jobs.Tracker
	rasterizer pages.Rasterizer

	cache      *cache.Service
	gateway    *llm.Gateway
	sweeper    *cache.Sweeper
	bus        *events.Bus
	closeCache func()
	stopEvents context.CancelFunc
}

func openApp(ctx context.Context, v *viper.Viper) (*app, error) {
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return nil, fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{store: db, pages: pages.NewStore(db), closeCache: func() {}, stopEvents: func() {}}

	svc, closeCache, err := openCache(v, db)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.cache, a.closeCache = svc, closeCache
	if a.sweeper, err = cache.NewSweeper(svc, v.GetString("purge-schedule")); err != nil {
		a.Close()
		return nil, err
	}
	a.sweeper.Start()

	if a.bus, err = events.Open(v.GetString("events"), v.GetStringSlice("kafka-brokers"), slog.Default()); err != nil {
		a.Close()
		return nil, fmt.Errorf("open events: %w", err)
	}
	if a.bus.Subscriber != nil {
		evCtx, cancel := context.WithCancel(ctx)
		a.stopEvents = cancel
		go func() {
			if err := events.Log(evCtx, a.bus.Subscriber); err != nil {
				slog.Warn("job event log stopped", "error", err)
			}
		}()
	}

	client := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
	if !v.GetBool("skip-llm-check") {
		if err := client.Ping(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}
	a.gateway = llm.NewGateway(client, llm.GatewayConfig{
		MaxConcurrent:      v.GetInt64("llm-concurrency"),
		Backoff:            v.GetDuration("rate-limit-backoff"),
		MaxRetries:         v.GetInt("rate-limit-retries"),
		ExponentialBackoff: v.GetBool("rate-limit-exponential"),
	})

	chunk := v.GetInt("chunk-pages")
	ex := extract.New(a.gateway, extract.Config{
		ChunkPages:   chunk,
		MinTextChars: v.GetInt("min-text-chars"),
		Concurrency:  int(v.GetInt64("llm-concurrency")),
	})
	coord := orchestrator.New(ex, grading.New(a.gateway, chunk), svc, a.pages, db)

	a.rasterizer = pages.CommandRasterizer{Binary: v.GetString("pdftoppm"), DPI: v.GetInt("dpi")}
	a.tracker = jobs.New(db, a.pages, coord, a.bus.Publisher, a.rasterizer, jobs.Config{
		PaperConcurrency: v.GetInt("paper-concurrency"),
	})
	return a, nil
}

// logUsage reports AI traffic and cache effectiveness for the session.
func (a *app) logUsage() {
	if a.gateway != nil {
		slog.Info("AI model usage", "calls", a.gateway.Calls(), "throttled", a.gateway.Throttled())
	}
	if a.cache != nil {
		stats := a.cache.Stats()
		for _, t := range cache.Tables {
			st := stats[t]
			slog.Info("cache usage", "table", t, "hits", st.Hits, "misses", st.Misses, "puts", st.Puts)
		}
	}
}

// Close releases everything openApp acquired.
func (a *app) Close() {
	a.logUsage()
	a.stopEvents()
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			slog.Warn("close events", "error", err)
		}
	}
	a.closeCache()
	if err := a.store.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
}

// openCache builds the result cache over the configured backend.
func openCache(v *viper.Viper, db *store.Store) (*cache.Service, func(), error) {
	ttl := v.GetDuration("cache-ttl")
	switch strings.ToLower(v.GetString("cache-backend")) {
	case "", "sqlite":
		return cache.New(db.Cache(), ttl, nil), func() {}, nil
	case "memory":
		return cache.New(cache.NewMemoryBackend(), ttl, nil), func() {}, nil
	case "redis":
		client, err := cache.NewRedisClient(v.GetString("redis-url"))
		if err != nil {
			return nil, nil, err
		}
		backend := cache.NewRedisBackend(client, "papergrader")
		if err := backend.Ping(context.Background()); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		return cache.New(backend, ttl, nil), closeRedis(client), nil
	}
	return nil, nil, fmt.Errorf("unknown cache backend %q", v.GetString("cache-backend"))
}

func closeRedis(c *redis.Client) func() {
	return func() {
		if err := c.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}
}

func parseMode(s string) model.GradingMode {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	m, _ := model.ParseGradingMode(s)
	return m
}

// loadPapers reads a batch from dir. Subdirectories hold page images and
// PDF files are documents; other files are ignored.
func loadPapers(dir string) ([]jobs.Paper, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read papers dir: %w", err)
	}
	var papers []jobs.Paper
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			pgs, err := readPages(path)
			if err != nil {
				return nil, err
			}
			papers = append(papers, jobs.Paper{PaperID: e.Name(), StudentID: e.Name(), Pages: pgs})
		case strings.EqualFold(filepath.Ext(e.Name()), ".pdf"):
			doc, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", e.Name(), err)
			}
			id := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
			papers = append(papers, jobs.Paper{PaperID: id, StudentID: id, Document: doc})
		}
	}
	if len(papers) == 0 {
		return nil, fmt.Errorf("no papers found in %s", dir)
	}
	return papers, nil
}

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".tif": true, ".tiff": true, ".bmp": true,
}

func readPages(dir string) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read paper %s: %w", filepath.Base(dir), err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	out := make([][]byte, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read page %s: %w", name, err)
		}
		out = append(out, data)
	}
	return out, nil
}
