package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hfsuite/internal/scanner"
)

// newScanCmd implements `scan [paths…]`, falling back to the configured
// ComfyUI root when no path is given.
func newScanCmd() *cobra.Command {
	var computeHash bool

	cmd := &cobra.Command{
		Use:   "scan [paths...]",
		Short: "Scan directories for local model files",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			paths := args
			if len(paths) == 0 {
				if root := a.cfg.ComfyRoot(); root != "" {
					paths = []string{root}
				}
			}
			if len(paths) == 0 {
				return fmt.Errorf("no paths given and no paths.comfy_root configured")
			}

			s := scanner.New(a.store, a.bus, computeHash)
			result := s.Scan(paths)

			fmt.Printf("scanned %d files, %d new records\n", result.FilesFound, result.FilesNew)
			for _, e := range result.Errors {
				fmt.Println("warning:", e)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&computeHash, "hash", false, "compute a content hash for duplicate detection")
	return cmd
}
