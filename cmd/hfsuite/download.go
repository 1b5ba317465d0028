package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hfsuite/internal/eventbus"
	"hfsuite/internal/store"
)

// newDownloadCmd implements `download <repo> [-p platform] [-t type] [-o path]`.
// It blocks until the task reaches a terminal state, matching a one-shot
// CLI invocation model rather than a long-running daemon.
func newDownloadCmd() *cobra.Command {
	var (
		platform string
		repoType string
		savePath string
		priority int
	)

	cmd := &cobra.Command{
		Use:   "download <repo>",
		Short: "Download a model or dataset repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoID := args[0]

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			if savePath == "" {
				savePath = a.cfg.DefaultSavePath()
			}
			if savePath == "" {
				savePath = "."
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.sched.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			id, err := a.sched.Add(repoID, savePath, platform, repoType, priority, nil, nil)
			if err != nil {
				return fmt.Errorf("queue download: %w", err)
			}
			_ = a.cfg.PushRecentRepo(repoID)

			fmt.Printf("queued task %d: %s (%s)\n", id, repoID, platform)

			return waitForTerminal(ctx, a, id)
		},
	}

	cmd.Flags().StringVarP(&platform, "platform", "p", "huggingface", "source platform (huggingface, modelscope)")
	cmd.Flags().StringVarP(&repoType, "type", "t", "model", "repository type (model, dataset, space)")
	cmd.Flags().StringVarP(&savePath, "output", "o", "", "destination directory (defaults to config's default_save_path)")
	cmd.Flags().IntVar(&priority, "priority", 5, "queue priority, 1 (highest) to 10 (lowest)")

	return cmd
}

// waitForTerminal subscribes to the download lifecycle events for id and
// blocks until one of the terminal events fires, printing progress as it
// arrives. Exit code 0 on success, 1 otherwise.
func waitForTerminal(ctx context.Context, a *app, id int64) error {
	done := make(chan string, 1)

	var subs []struct {
		event string
		subID uint64
	}
	subscribe := func(event string) {
		subID := a.bus.Subscribe(event, func(payload any) {
			if matchesTask(payload, id) {
				select {
				case done <- event:
				default:
				}
			}
		})
		subs = append(subs, struct {
			event string
			subID uint64
		}{event, subID})
	}
	subscribe(eventbus.DownloadCompleted)
	subscribe(eventbus.DownloadFailed)
	subscribe(eventbus.DownloadCancelled)
	defer func() {
		for _, s := range subs {
			a.bus.Unsubscribe(s.event, s.subID)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.sched.Cancel(id)
			return fmt.Errorf("interrupted")
		case event := <-done:
			switch event {
			case eventbus.DownloadCompleted:
				fmt.Println("download completed")
				return nil
			case eventbus.DownloadCancelled:
				fmt.Println("download cancelled")
				return fmt.Errorf("cancelled")
			default:
				task, _ := a.store.GetTask(id)
				if task != nil && task.ErrorMessage != "" {
					return fmt.Errorf("download failed: %s", task.ErrorMessage)
				}
				return fmt.Errorf("download failed")
			}
		case <-ticker.C:
			printProgress(a.store, id)
		}
	}
}

func printProgress(st *store.Store, id int64) {
	task, err := st.GetTask(id)
	if err != nil || task == nil {
		return
	}
	if task.TotalBytes > 0 {
		pct := float64(task.DownloadedBytes) / float64(task.TotalBytes) * 100
		fmt.Printf("\r%s: %.1f%% (%.1f KB/s)", task.Status, pct, task.SpeedBps/1024)
	}
}

// matchesTask extracts the TaskID field from one of the worker package's
// several anonymous event-payload shapes (they differ in which extra
// fields they carry alongside TaskID) and compares it against id.
func matchesTask(payload any, id int64) bool {
	v := reflect.ValueOf(payload)
	if v.Kind() != reflect.Struct {
		return false
	}
	f := v.FieldByName("TaskID")
	if !f.IsValid() || f.Kind() != reflect.Int64 {
		return false
	}
	return f.Int() == id
}
