package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/launchpad/internal/jobset"
	"github.com/seantiz/launchpad/internal/model"
	"github.com/seantiz/launchpad/internal/project"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <entity/project/name> <spec-file>...",
	Short: "Add run specs (YAML or JSON files) to a job-set's queue",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		js, err := model.ParseJobSet(args[0])
		if err != nil {
			return err
		}
		client := jobset.NewClient(cfg.QueueURL)
		for _, path := range args[1:] {
			spec, err := project.LoadSpecFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			it, err := client.Enqueue(cmd.Context(), js, spec)
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", path, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), it.ID)
		}
		return nil
	},
}

var itemsCmd = &cobra.Command{
	Use:   "items <entity/project/name>",
	Short: "List a job-set's pending items",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		js, err := model.ParseJobSet(args[0])
		if err != nil {
			return err
		}
		items, err := jobset.NewClient(cfg.QueueURL).ListRunQueueItems(cmd.Context(), js)
		if err != nil {
			return err
		}
		return printJSON(items)
	},
}

var runCmd = &cobra.Command{
	Use:   "run <run-id>",
	Short: "Show a run's tracking record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := jobset.NewClient(cfg.QueueURL).GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(rec)
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
