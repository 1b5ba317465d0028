package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newListCmd implements `list {history|local|queue} [-n N]`.
func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List download history, local models, or the active queue",
	}
	cmd.AddCommand(newListHistoryCmd(), newListLocalCmd(), newListQueueCmd())
	return cmd
}

func newListHistoryCmd() *cobra.Command {
	var n int
	var favoritesOnly bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List completed downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			entries, err := a.store.GetHistory(n, favoritesOnly)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tREPO\tPLATFORM\tBYTES\tCOMPLETED\tFAVORITE")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%v\n", e.ID, e.RepoID, e.Platform, e.TotalBytes, e.CompletedAt.Format("2006-01-02 15:04"), e.IsFavorite)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "maximum rows to show")
	cmd.Flags().BoolVar(&favoritesOnly, "favorites", false, "only show favorited entries")
	return cmd
}

func newListLocalCmd() *cobra.Command {
	var typeFilter string

	cmd := &cobra.Command{
		Use:   "local",
		Short: "List locally scanned model files",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			records, err := a.store.GetLocalModels(typeFilter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tTYPE\tSIZE\tHASH")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.FilePath, r.ModelType, r.SizeBytes, r.FileHash)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&typeFilter, "type", "", "restrict to a model_type")
	return cmd
}

func newListQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending and active downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			pending, err := a.store.GetPending()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tREPO\tSTATUS\tPRIORITY\tPROGRESS")
			for _, t := range pending {
				progress := "-"
				if t.TotalBytes > 0 {
					progress = fmt.Sprintf("%.1f%%", float64(t.DownloadedBytes)/float64(t.TotalBytes)*100)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", t.ID, t.RepoID, t.Status, t.Priority, progress)
			}
			return w.Flush()
		},
	}
	return cmd
}
