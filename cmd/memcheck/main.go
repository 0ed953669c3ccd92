package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jesuslovei/memory-check-drive/internal/catalog"
	"github.com/jesuslovei/memory-check-drive/internal/ledger"
	"github.com/jesuslovei/memory-check-drive/internal/scoring"
	"github.com/jesuslovei/memory-check-drive/internal/verdict"
)

var version = "0.1.0-dev"

const usage = "expected 'validate', 'score', 'ledger' or 'version'"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	var err error
	switch args[0] {
	case "validate":
		err = runValidate(args[1:], stdout)
	case "score":
		err = runScore(args[1:], stdout)
	case "ledger":
		err = runLedger(args[1:], stdout, time.Now())
	case "version":
		fmt.Fprintln(stdout, version)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s\n", args[0], usage)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func runValidate(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	path := fs.String("file", "verses.yaml", "Path to verse catalog")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c, err := catalog.Load(*path)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "catalog valid: %d verses, languages %s\n", c.Len(), strings.Join(c.Languages(), ", "))
	if p := c.Partition(); p.ID != "" || p.Title != "" {
		fmt.Fprintf(stdout, "partition: %s %s\n", p.ID, p.Title)
	}
	return nil
}

func runScore(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("score", flag.ContinueOnError)
	path := fs.String("file", "verses.yaml", "Path to verse catalog")
	lang := fs.String("lang", "kr", "Catalog language to grade against")
	verse := fs.Int("verse", -1, "Verse index to grade, or -1 for every verse")
	text := fs.String("text", "", "Transcript to grade")
	threshold := fs.Float64("threshold", 0.85, "Pass threshold in [0,1]")
	algorithm := fs.String("algorithm", scoring.AlgorithmSequence, "Similarity algorithm (sequence, lcs)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*text) == "" {
		return errors.New("score: -text is required")
	}

	c, err := catalog.Load(*path)
	if err != nil {
		return err
	}
	scorer, err := scoring.New(*algorithm)
	if err != nil {
		return err
	}
	engine, err := verdict.NewEngine(c, scorer, *threshold, []string{*lang})
	if err != nil {
		return err
	}

	var scope *int
	if *verse >= 0 {
		scope = verse
	}
	v, err := engine.Grade(*text, *lang, scope)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSE\tSCORE")
	for _, s := range v.Scores {
		fmt.Fprintf(tw, "%s\t%.3f\n", s.VerseID, s.Score)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	result := "FAIL"
	if v.Passed {
		result = "PASS"
	}
	fmt.Fprintf(stdout, "%s (threshold %.2f, scope %s)\n", result, engine.Threshold(), engine.Label(scope))
	return nil
}

func runLedger(args []string, stdout io.Writer, now time.Time) error {
	fs := flag.NewFlagSet("ledger", flag.ContinueOnError)
	path := fs.String("file", "submissions.csv", "Path to submission ledger")
	if err := fs.Parse(args); err != nil {
		return err
	}

	f, err := os.Open(*path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	rows, err := ledger.ReadAll(f)
	if err != nil {
		return err
	}

	passed := 0
	var last time.Time
	for _, row := range rows {
		if row.Passed == "true" {
			passed++
		}
		if ts, err := time.Parse(time.RFC3339, row.Timestamp); err == nil && ts.After(last) {
			last = ts
		}
	}

	fmt.Fprintf(stdout, "%s, %s submissions, %s passed\n",
		humanize.Bytes(uint64(info.Size())), humanize.Comma(int64(len(rows))), humanize.Comma(int64(passed)))
	if !last.IsZero() {
		fmt.Fprintf(stdout, "last submission %s\n", humanize.RelTime(last, now, "ago", "from now"))
	}
	return nil
}
