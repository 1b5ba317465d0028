// Command hfsuite is a thin cobra front end over the Scheduler, Store, and
// config.Manager. It never talks to a RepoAPI provider or Worker directly.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"hfsuite/internal/config"
	"hfsuite/internal/eventbus"
	"hfsuite/internal/network"
	"hfsuite/internal/obslog"
	"hfsuite/internal/repoapi"
	"hfsuite/internal/repoapi/huggingface"
	"hfsuite/internal/repoapi/modelscope"
	"hfsuite/internal/resumestore"
	"hfsuite/internal/responsecache"
	"hfsuite/internal/scheduler"
	"hfsuite/internal/store"
	"hfsuite/internal/worker"
)

// app bundles every collaborator a subcommand might need. Each
// subcommand's RunE builds it once with newApp and tears it down with a
// deferred close.
type app struct {
	homeDir   string
	store     *store.Store
	bus       *eventbus.Bus
	logger    *slog.Logger
	cfg       *config.Manager
	sched     *scheduler.Scheduler
	providers map[string]repoapi.RepoAPI
}

func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".hf_download_suite")
}

// newApp wires every component: Store opens (and migrates) the database,
// config.Manager mirrors the JSON config file into it, cached providers
// back the Scheduler's per-platform Worker deps.
func newApp() (*app, error) {
	homeDir := defaultHomeDir()
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	st, err := store.Open(filepath.Join(homeDir, "suite.db"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	logger, err := obslog.New(homeDir, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	bus := eventbus.New(logger)
	cfg := config.NewManager(st)

	cfgFile, err := config.LoadFile(filepath.Join(homeDir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("load config file: %w", err)
	}
	if err := cfg.SyncFromFile(cfgFile); err != nil {
		return nil, fmt.Errorf("sync config file: %w", err)
	}

	cache, err := responsecache.New(filepath.Join(homeDir, "cache"))
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}

	resume, err := resumestore.New(filepath.Join(homeDir, "resume_states"))
	if err != nil {
		return nil, fmt.Errorf("open resume store: %w", err)
	}

	hfToken := resolveToken(st, "huggingface", "HF_TOKEN", "HUGGING_FACE_HUB_TOKEN")
	msToken := resolveToken(st, "modelscope", "MODELSCOPE_API_TOKEN")

	providers := map[string]repoapi.RepoAPI{
		"huggingface": repoapi.WithCache(huggingface.New(hfToken, cfg.HFEndpoint()), cache),
		"modelscope":  repoapi.WithCache(modelscope.New(msToken, cfg.MSEndpoint()), cache),
	}

	bandwidth := network.NewBandwidthManager()
	if limit := cfg.BandwidthLimit(); limit > 0 {
		bandwidth.SetLimit(limit)
	}

	workerDeps := func(t *store.Task) worker.Deps {
		return worker.Deps{
			Store:       st,
			Bus:         bus,
			ResumeStore: resume,
			Providers:   providers,
			Logger:      logger,
			Bandwidth:   bandwidth,
			MaxRetries:  cfg.MaxRetries(),
			RetryDelay:  time.Duration(cfg.RetryDelaySeconds()) * time.Second,
		}
	}

	sched := scheduler.New(st, bus, logger, cfg.MaxWorkers(), workerDeps)

	return &app{
		homeDir:   homeDir,
		store:     st,
		bus:       bus,
		logger:    logger,
		cfg:       cfg,
		sched:     sched,
		providers: providers,
	}, nil
}

func (a *app) close() {
	a.sched.Stop()
	_ = a.store.Close()
}

// resolveToken returns the first populated env var in envNames (env
// reading is opt-in by explicit call, never implicit at start), falling
// back to the most recently stored credential for the platform.
func resolveToken(st *store.Store, platform string, envNames ...string) string {
	for _, n := range envNames {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	if tok, err := st.GetTokenForPlatform(platform); err == nil && tok != nil {
		return tok.Value
	}
	return ""
}

func main() {
	root := &cobra.Command{
		Use:           "hfsuite",
		Short:         "Download and manage machine learning model repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newDownloadCmd(),
		newListCmd(),
		newScanCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
