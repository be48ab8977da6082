package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/wikiedu/wikitrack/internal/importer"
)

var (
	importAllTime    bool
	importAllCourses bool
)

var importCmd = &cobra.Command{
	Use:   "import [course-slug]",
	Short: "Import students' revisions for a course",
	Long: `Fetch the edits made by a course's students on each of the course's wikis
and store any revisions not already imported.

By default students who already have revisions are fetched from the date of
the newest imported revision. --all-time refetches everything from the
course start.

Examples:
  wikitrack import "Uni/Course_(Spring_2023)"
  wikitrack import "Uni/Course_(Spring_2023)" --all-time
  wikitrack import --all`,
	Args: func(cmd *cobra.Command, args []string) error {
		if importAllCourses && len(args) > 0 {
			return fmt.Errorf("--all takes no course slug")
		}
		if !importAllCourses && len(args) != 1 {
			return fmt.Errorf("expected one course slug (or --all)")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pipeline := newPipeline()

		var result *importer.ImportResult
		var err error
		if importAllCourses {
			result, err = pipeline.ImportRevisionsForAllCourses(ctx)
		} else {
			course, lookupErr := store.GetCourseBySlug(ctx, args[0])
			if lookupErr != nil {
				return lookupErr
			}
			result, err = pipeline.ImportRevisionsForCourse(ctx, course, importAllTime)
		}
		if result != nil {
			printImportResult(result)
		}
		return err
	},
}

func printImportResult(r *importer.ImportResult) {
	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Printf("%s Imported %s new revision(s)\n", green("✓"), green(r.Inserted))
	fmt.Printf("  %s\n", gray(fmt.Sprintf("%d article entries fetched, %d revisions already stored, %d duplicate articles retired",
		r.Fetched, r.Skipped, r.Deleted)))
}

func init() {
	importCmd.Flags().BoolVar(&importAllTime, "all-time", false, "fetch every student's history from the course start")
	importCmd.Flags().BoolVar(&importAllCourses, "all", false, "run an incremental import for every course")
	rootCmd.AddCommand(importCmd)
}
