package main

import (
	"context"
	"net/url"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"shopnerd/internal/browser"
	"shopnerd/internal/fetch"
	"shopnerd/internal/intervention"
	"shopnerd/internal/research"
	"shopnerd/internal/server"
)

var serveBrowser bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP surface",
	Long: `Starts the HTTP server exposing research runs, the pending
intervention queue for a human solver UI, and vendor catalog
exploration. Shuts down gracefully on SIGINT/SIGTERM.

With --browser a live headless browser backs the pipeline: session
contexts persist cookies per vendor, the search engine is driven like a
human, and blocked pages can wait for intervention.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveBrowser, "browser", false, "attach a live browser session pool")
}

func runServe(cmd *cobra.Command, args []string) error {
	p := buildPipeline()

	loader := p.loader
	broker := p.broker
	var search research.SearchProvider = research.NewFetchSearch(loader, cfg.Research.SearchEngineURL)

	var sessions *browser.SessionManager
	var recovery *browser.RecoveryManager
	if serveBrowser {
		registry := browser.NewRegistry()
		sessions = browser.NewSessionManager(cfg.Browser, cfg.GetNavigationTimeout(),
			filepath.Join(cfg.Paths.StateDir, "crawler_sessions"))
		defer func() { _ = sessions.Shutdown() }()
		recovery = browser.NewRecoveryManager(cfg.Recovery, sessions, registry)

		broker = intervention.NewBroker(cfg.Intervention,
			filepath.Join(cfg.Paths.StateDir, "captcha_queue.json"), registry)
		loader = research.FetcherLoader{
			Fetcher: fetch.New(cfg.Fetch, cfg.GetRequestTimeout(), sessions),
		}
		search = research.NewBrowserSearch(sessions, browser.ContextKey{
			Domain:  hostOf(cfg.Research.SearchEngineURL),
			Session: "research",
			User:    "default",
		}, cfg.Research.SearchEngineURL, broker, cfg.Intervention.GetSettleDelay())
	}

	orch := research.NewOrchestrator(research.Options{
		Config:   cfg,
		LLM:      p.llm,
		Search:   search,
		Loader:   loader,
		Intel:    p.intel,
		PDP:      p.pdp,
		Tracker:  p.tracker,
		Gate:     broker,
		Sessions: sessions,
	})
	catalog := research.NewCatalogExplorer(loader)

	srv := server.New(cfg, orch, catalog, broker)
	if sessions != nil {
		srv.AttachBrowser(sessions, recovery)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(ctx)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
