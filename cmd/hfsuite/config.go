package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"hfsuite/internal/config"
	"hfsuite/internal/eventbus"
)

// newConfigCmd implements `config {show|set --key --value|reset}`.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View or change persistent settings",
	}
	cmd.AddCommand(newConfigShowCmd(), newConfigSetCmd(), newConfigResetCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			fmt.Printf("download.max_workers       = %d\n", a.cfg.MaxWorkers())
			fmt.Printf("download.bandwidth_limit    = %d\n", a.cfg.BandwidthLimit())
			fmt.Printf("download.auto_retry         = %v\n", a.cfg.AutoRetry())
			fmt.Printf("download.max_retries        = %d\n", a.cfg.MaxRetries())
			fmt.Printf("download.retry_delay        = %d\n", a.cfg.RetryDelaySeconds())
			fmt.Printf("download.verify_checksums   = %v\n", a.cfg.VerifyChecksums())
			fmt.Printf("network.timeout             = %d\n", a.cfg.Timeout())
			fmt.Printf("network.hf_endpoint         = %s\n", a.cfg.HFEndpoint())
			fmt.Printf("network.use_hf_mirror       = %v\n", a.cfg.UseHFMirror())
			fmt.Printf("network.ms_endpoint         = %s\n", a.cfg.MSEndpoint())
			fmt.Printf("paths.default_save_path     = %s\n", a.cfg.DefaultSavePath())
			fmt.Printf("paths.comfy_root            = %s\n", a.cfg.ComfyRoot())
			fmt.Printf("recent_repos                = %v\n", a.cfg.RecentRepos())
			return nil
		},
	}
}

// configSetters maps each recognized dotted key to a setter closure over
// the raw string value from --value.
func configSetters(cfg *config.Manager) map[string]func(string) error {
	return map[string]func(string) error{
		"download.max_workers": func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			return cfg.SetMaxWorkers(n)
		},
		"download.bandwidth_limit": func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			return cfg.SetBandwidthLimit(n)
		},
		"download.auto_retry": func(v string) error { return cfg.SetAutoRetry(v == "true") },
		"download.max_retries": func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			return cfg.SetMaxRetries(n)
		},
		"download.retry_delay": func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			return cfg.SetRetryDelaySeconds(n)
		},
		"download.verify_checksums": func(v string) error { return cfg.SetVerifyChecksums(v == "true") },
		"network.timeout": func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			return cfg.SetTimeout(n)
		},
		"network.hf_endpoint":   func(v string) error { return cfg.SetHFEndpoint(v) },
		"network.use_hf_mirror": func(v string) error { return cfg.SetUseHFMirror(v == "true") },
		"network.ms_endpoint":   func(v string) error { return cfg.SetMSEndpoint(v) },
		"paths.default_save_path": func(v string) error { return cfg.SetDefaultSavePath(v) },
		"paths.comfy_root":        func(v string) error { return cfg.SetComfyRoot(v) },
	}
}

func newConfigSetCmd() *cobra.Command {
	var key, value string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set a single configuration key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			setter, ok := configSetters(a.cfg)[key]
			if !ok {
				return fmt.Errorf("unrecognized key: %s", key)
			}
			if err := setter(value); err != nil {
				return err
			}
			a.bus.Emit(eventbus.SettingsChanged, key)

			return persistConfigFile(a)
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "dotted setting name, e.g. download.max_workers")
	cmd.Flags().StringVar(&value, "value", "", "new value")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func newConfigResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore every recognized setting to its default",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.cfg.Reset(); err != nil {
				return err
			}
			return persistConfigFile(a)
		},
	}
}

// persistConfigFile mirrors the Store-backed Manager's recognized fields
// back into the external JSON document, preserving any Extra fields that
// document already carried (the Store is the ownership boundary; the file
// is a convenience export/import surface).
func persistConfigFile(a *app) error {
	path := filepath.Join(a.homeDir, "config.json")
	f, err := config.LoadFile(path)
	if err != nil {
		return err
	}

	f.Download = map[string]json.RawMessage{
		"max_workers":      rawInt(a.cfg.MaxWorkers()),
		"bandwidth_limit":  rawInt(a.cfg.BandwidthLimit()),
		"auto_retry":       rawBool(a.cfg.AutoRetry()),
		"max_retries":      rawInt(a.cfg.MaxRetries()),
		"retry_delay":      rawInt(a.cfg.RetryDelaySeconds()),
		"verify_checksums": rawBool(a.cfg.VerifyChecksums()),
	}
	f.Network = map[string]json.RawMessage{
		"timeout":       rawInt(a.cfg.Timeout()),
		"hf_endpoint":   rawString(a.cfg.HFEndpoint()),
		"use_hf_mirror": rawBool(a.cfg.UseHFMirror()),
		"ms_endpoint":   rawString(a.cfg.MSEndpoint()),
	}
	f.Paths = map[string]json.RawMessage{
		"default_save_path": rawString(a.cfg.DefaultSavePath()),
		"comfy_root":        rawString(a.cfg.ComfyRoot()),
	}
	f.Recent = a.cfg.RecentRepos()

	return config.SaveFile(path, f)
}

func rawInt(n int) json.RawMessage    { b, _ := json.Marshal(n); return b }
func rawBool(b bool) json.RawMessage  { v, _ := json.Marshal(b); return v }
func rawString(s string) json.RawMessage { b, _ := json.Marshal(s); return b }
