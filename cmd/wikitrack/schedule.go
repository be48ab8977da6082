package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/wikiedu/wikitrack/internal/scheduler"
)

var scheduleRunNow bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run imports and scoring on the configured cron schedule",
	Long: `Run in the foreground until interrupted. The import job imports new
revisions for every course and then scores each course's wikis; the
all_wikis job scores every supported wiki. Specs come from the schedule
section of the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		s, err := scheduler.New(newPipeline(), store, cfg.Schedule, log)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan).SprintFunc()
		jobs := s.Jobs()
		if len(jobs) == 0 {
			return fmt.Errorf("no jobs scheduled; set schedule.import or schedule.all_wikis")
		}
		names := make([]string, 0, len(jobs))
		for name := range jobs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("Scheduled %s\n", cyan(name))
		}

		if scheduleRunNow {
			if err := s.RunImportCycle(ctx); err != nil {
				log.WithError(err).Error("Initial import cycle failed")
			}
		}

		s.Start()
		<-ctx.Done()
		log.Info("Shutting down scheduler")

		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	},
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleRunNow, "now", false, "run the import cycle once before waiting for the schedule")
	rootCmd.AddCommand(scheduleCmd)
}
