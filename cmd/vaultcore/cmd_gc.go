package main

import (
	"fmt"

	"github.com/inhies/go-bytesize"
	"github.com/spf13/cobra"
)

func newGCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Reclaim depot cache space over the configured budget",
		Long: `Walk the depot cache and delete oldest-by-mtime chunk files until
total usage is under depot-max-bytes. Entries still referenced by an
in-flight download are never touched mid-read.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			freed, err := e.depot.GCIfNeeded()
			if err != nil {
				return fmt.Errorf("gc: %w", err)
			}
			if freed == 0 {
				fmt.Println("depot cache already within budget")
				return nil
			}
			fmt.Printf("freed %s from depot cache at %s\n", bytesize.New(float64(freed)), e.cfg.DepotRoot)
			return nil
		},
	}
	return cmd
}
