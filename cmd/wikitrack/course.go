package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/wikiedu/wikitrack/internal/types"
	"gopkg.in/yaml.v3"
)

// roster is the YAML form of a course and its students
type roster struct {
	Slug     string   `yaml:"slug"`
	Title    string   `yaml:"title"`
	Start    string   `yaml:"start"` // YYYY-MM-DD
	End      string   `yaml:"end"`   // YYYY-MM-DD
	HomeWiki string   `yaml:"home_wiki"`
	Wikis    []string `yaml:"wikis"`
	Students []string `yaml:"students"`
}

const rosterDateLayout = "2006-01-02"

func parseRoster(data []byte) (*roster, *types.Course, error) {
	var r roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, nil, fmt.Errorf("failed to parse roster: %w", err)
	}
	if r.HomeWiki == "" {
		r.HomeWiki = "en.wikipedia"
	}
	start, err := time.Parse(rosterDateLayout, r.Start)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid start date %q: %w", r.Start, err)
	}
	end, err := time.Parse(rosterDateLayout, r.End)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid end date %q: %w", r.End, err)
	}
	for _, w := range append([]string{r.HomeWiki}, r.Wikis...) {
		if _, _, err := parseWiki(w); err != nil {
			return nil, nil, err
		}
	}
	course := &types.Course{Slug: r.Slug, Title: r.Title, Start: start, End: end}
	if course.Title == "" {
		course.Title = r.Slug
	}
	return &r, course, nil
}

var courseCmd = &cobra.Command{
	Use:   "course",
	Short: "Manage courses and rosters",
}

var courseLoadCmd = &cobra.Command{
	Use:   "load <roster.yaml>",
	Short: "Create or update a course and enroll its students",
	Long: `Load a course roster from YAML. Loading the same file again updates the
course and adds any new students.

Example roster:
  slug: Uni/Course_(Spring_2023)
  title: Writing Wikipedia
  start: 2023-01-01
  end: 2023-06-15
  home_wiki: en.wikipedia
  wikis: [wikidata]
  students: [Alice, Bob]`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read roster: %w", err)
		}
		r, course, err := parseRoster(data)
		if err != nil {
			return err
		}
		if err := loadRoster(cmd.Context(), r, course); err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Loaded %s with %d student(s) on %d wiki(s)\n",
			green("✓"), green(course.Slug), len(r.Students), 1+len(r.Wikis))
		return nil
	},
}

func loadRoster(ctx context.Context, r *roster, course *types.Course) error {
	home, err := lookupWiki(ctx, r.HomeWiki)
	if err != nil {
		return err
	}
	course.HomeWikiID = home.ID
	if err := course.Validate(); err != nil {
		return fmt.Errorf("invalid course: %w", err)
	}
	if err := store.UpsertCourse(ctx, course); err != nil {
		return err
	}
	for _, name := range r.Wikis {
		wiki, err := lookupWiki(ctx, name)
		if err != nil {
			return err
		}
		if err := store.AddCourseWiki(ctx, course.ID, wiki.ID); err != nil {
			return err
		}
	}
	for _, username := range r.Students {
		user, err := store.GetOrCreateUser(ctx, username)
		if err != nil {
			return err
		}
		if err := store.EnrollStudent(ctx, course.ID, user.ID); err != nil {
			return err
		}
	}
	return nil
}

var courseListCmd = &cobra.Command{
	Use:   "list",
	Short: "List courses",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		courses, err := store.ListCourses(ctx)
		if err != nil {
			return err
		}
		if len(courses) == 0 {
			gray := color.New(color.FgHiBlack).SprintFunc()
			fmt.Printf("%s\n", gray("No courses"))
			return nil
		}
		cyan := color.New(color.FgCyan).SprintFunc()
		for _, c := range courses {
			students, err := store.CourseStudents(ctx, c.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s  %s to %s  %d student(s)\n", cyan(c.Slug),
				c.Start.Format(rosterDateLayout), c.End.Format(rosterDateLayout), len(students))
		}
		return nil
	},
}

func init() {
	courseCmd.AddCommand(courseLoadCmd, courseListCmd)
	rootCmd.AddCommand(courseCmd)
}
