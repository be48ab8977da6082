package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/wikiedu/wikitrack/internal/importer"
	"github.com/wikiedu/wikitrack/internal/ores"
)

var (
	scoresWiki   string
	scoresCourse string
)

var scoresCmd = &cobra.Command{
	Use:   "scores",
	Short: "Fill in revision quality scores",
}

var scoresUpdateCmd = &cobra.Command{
	Use:   "update",
	Short: "Score revisions that have no score yet",
	Long: `Score revisions in the main, user and draft namespaces that have no feature
vector yet, in batches of 50.

Examples:
  wikitrack scores update --wiki en.wikipedia
  wikitrack scores update --course "Uni/Course_(Spring_2023)"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScores(cmd.Context(), false)
	},
}

var scoresPreviousCmd = &cobra.Command{
	Use:   "previous",
	Short: "Score the parent of each revision",
	Long: `For revisions that did not create their article, look up the parent
revision and store its score as the previous score.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScores(cmd.Context(), true)
	},
}

var scoresAllWikisCmd = &cobra.Command{
	Use:   "all-wikis",
	Short: "Run current and previous scoring for every supported wiki",
	RunE: func(cmd *cobra.Command, args []string) error {
		return newPipeline().UpdateRevisionScoresForAllWikis(cmd.Context())
	},
}

var scoresFetchCmd = &cobra.Command{
	Use:   "fetch <rev-id>",
	Short: "Print the features and rating of one revision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		revID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid revision id %q: %w", args[0], err)
		}
		wiki, err := lookupWiki(cmd.Context(), scoresWiki)
		if err != nil {
			return err
		}
		scorer, err := newPipeline().ScoreImporter(*wiki, 0)
		if err != nil {
			return err
		}
		data, err := scorer.FetchOresDataForRevisionID(cmd.Context(), revID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	},
}

// runScores scores one wiki, or each scorable wiki of a course
func runScores(ctx context.Context, previous bool) error {
	pipeline := newPipeline()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	var courseID int64
	var targets []string
	if scoresCourse != "" {
		course, err := store.GetCourseBySlug(ctx, scoresCourse)
		if err != nil {
			return err
		}
		courseID = course.ID
		wikis, err := store.CourseWikis(ctx, course.ID)
		if err != nil {
			return err
		}
		for _, w := range wikis {
			if ores.ValidWiki(*w) {
				targets = append(targets, w.String())
			}
		}
	} else {
		targets = []string{scoresWiki}
	}

	var failed bool
	for _, name := range targets {
		wiki, err := lookupWiki(ctx, name)
		if err != nil {
			return err
		}
		scorer, err := pipeline.ScoreImporter(*wiki, courseID)
		if err != nil {
			return err
		}

		var result *importer.ScoreResult
		if previous {
			result, err = scorer.UpdatePreviousRevisionScores(ctx)
		} else {
			result, err = scorer.UpdateRevisionScores(ctx)
		}
		if result != nil {
			fmt.Printf("%s %s: %s of %d candidate(s) updated in %d batch(es)\n",
				green("✓"), wiki.String(), green(result.Updated), result.Candidates, result.Batches)
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			fmt.Printf("%s %s: %v\n", yellow("⚠"), wiki.String(), err)
			failed = true
		}
	}
	if failed {
		return fmt.Errorf("some scoring batches failed")
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{scoresUpdateCmd, scoresPreviousCmd, scoresFetchCmd} {
		c.Flags().StringVar(&scoresWiki, "wiki", "en.wikipedia", "wiki to score (language.project or wikidata)")
	}
	for _, c := range []*cobra.Command{scoresUpdateCmd, scoresPreviousCmd} {
		c.Flags().StringVar(&scoresCourse, "course", "", "limit to one course's students and wikis")
	}
	scoresCmd.AddCommand(scoresUpdateCmd, scoresPreviousCmd, scoresAllWikisCmd, scoresFetchCmd)
	rootCmd.AddCommand(scoresCmd)
}
