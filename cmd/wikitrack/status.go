package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusErrors int

var statusCmd = &cobra.Command{
	Use:   "status [course-slug]",
	Short: "Show database totals and recent update errors",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		stats, err := store.GetStatistics(ctx)
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== wikitrack status ==="))
		fmt.Printf("%s\n", yellow("Database:"))
		fmt.Printf("  Backend:    %s\n", cfg.Database.Backend)
		fmt.Printf("  Wikis:      %d\n", stats.Wikis)
		fmt.Printf("  Courses:    %d\n", stats.Courses)
		fmt.Printf("  Articles:   %d\n", stats.Articles)
		fmt.Printf("  Revisions:  %d\n", stats.Revisions)
		if stats.UnresolvedUsernames > 0 {
			fmt.Printf("  %s\n", gray(fmt.Sprintf("%d revision(s) without a known user", stats.UnresolvedUsernames)))
		}
		fmt.Println()

		fmt.Printf("%s\n", yellow("Scoring:"))
		pct := func(n int) string {
			if stats.Revisions == 0 {
				return "0%"
			}
			return fmt.Sprintf("%.1f%%", 100*float64(n)/float64(stats.Revisions))
		}
		fmt.Printf("  Scored:          %s (%s)\n", green(stats.ScoredRevisions), pct(stats.ScoredRevisions))
		fmt.Printf("  Previous scored: %s (%s)\n", green(stats.PreviousScored), pct(stats.PreviousScored))
		fmt.Printf("  Deleted:         %d\n", stats.DeletedRevisions)
		fmt.Println()

		var courseID int64
		if len(args) == 1 {
			course, err := store.GetCourseBySlug(ctx, args[0])
			if err != nil {
				return err
			}
			courseID = course.ID
		}
		errs, err := store.ListUpdateErrors(ctx, courseID, statusErrors)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", yellow("Update errors:"), gray(fmt.Sprintf("(%d total)", stats.UpdateErrors)))
		if len(errs) == 0 {
			fmt.Printf("  %s None\n", green("✓"))
		}
		for _, e := range errs {
			fmt.Printf("  %s %s %s\n", red("✗"), e.CreatedAt.Format("2006-01-02 15:04:05"), e.ErrorClass)
			fmt.Printf("    %s\n", e.Message)
			if e.Action != "" {
				fmt.Printf("    %s\n", gray("action: "+e.Action))
			}
			fmt.Printf("    %s\n", gray("tag: "+e.Tag))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusErrors, "errors", 10, "number of recent update errors to show")
	rootCmd.AddCommand(statusCmd)
}
