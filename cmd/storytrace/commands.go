package main

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Neo-101/story-trace/internal/cache"
	"github.com/Neo-101/story-trace/internal/config"
	"github.com/Neo-101/story-trace/internal/corpus"
	"github.com/Neo-101/story-trace/internal/jobs"
	"github.com/Neo-101/story-trace/internal/narrative"
	"github.com/Neo-101/story-trace/internal/narrative/relationship"
	"github.com/Neo-101/story-trace/internal/pipeline"
	"github.com/Neo-101/story-trace/internal/storage"
)

// pollInterval is how often --wait checks on a job.
var pollInterval = time.Second

type jobAccepted struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <corpus> <source> <target>",
	Short: "Trace one character pair through a corpus",
	Long: `Start a relationship sweep for one character pair.

Examples:
  storytrace analyze novel-1 Alice Bob
  storytrace analyze novel-1 Alice Bob --force --wait`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := pipeline.PairRequest{CorpusID: args[0], Source: args[1], Target: args[2], Force: force}
		resp, err := client.post(cmd.Context(), "/jobs/relationship", req)
		if err != nil {
			return err
		}
		var accepted jobAccepted
		if err := decodeJSON(resp, &accepted); err != nil {
			return err
		}
		printSuccess("Started job %s", accepted.JobID)
		if !wait {
			return nil
		}
		return waitForJob(cmd.Context(), client, accepted.JobID)
	},
}

func init() {
	analyzeCmd.Flags().Bool("force", false, "discard stored history and re-analyze from the first unit")
	analyzeCmd.Flags().Bool("wait", false, "poll until the job finishes")
}

// --- batch ---

var batchCmd = &cobra.Command{
	Use:   "batch <corpus> <source:target>...",
	Short: "Trace several character pairs through a corpus",
	Long: `Start one job that sweeps several character pairs concurrently.

Examples:
  storytrace batch novel-1 Alice:Bob Alice:Carol --wait`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		wait, _ := cmd.Flags().GetBool("wait")

		pairs, err := parsePairs(args[1:])
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := pipeline.BatchRequest{CorpusID: args[0], Pairs: pairs, Force: force}
		resp, err := client.post(cmd.Context(), "/jobs/batch-relationship", req)
		if err != nil {
			return err
		}
		var accepted jobAccepted
		if err := decodeJSON(resp, &accepted); err != nil {
			return err
		}
		printSuccess("Started batch job %s (%d pairs)", accepted.JobID, len(pairs))
		if !wait {
			return nil
		}
		return waitForJob(cmd.Context(), client, accepted.JobID)
	},
}

func init() {
	batchCmd.Flags().Bool("force", false, "discard stored history of every pair first")
	batchCmd.Flags().Bool("wait", false, "poll until the job finishes")
}

func parsePairs(args []string) ([]pipeline.Pair, error) {
	pairs := make([]pipeline.Pair, 0, len(args))
	for _, arg := range args {
		source, target, ok := strings.Cut(arg, ":")
		source, target = strings.TrimSpace(source), strings.TrimSpace(target)
		if !ok || source == "" || target == "" {
			return nil, fmt.Errorf("invalid pair %q, expected source:target", arg)
		}
		pairs = append(pairs, pipeline.Pair{Source: source, Target: target})
	}
	return pairs, nil
}

// waitForJob polls a job until it reaches a terminal status.
func waitForJob(ctx context.Context, client *apiClient, id string) error {
	lastMsg := ""
	for {
		resp, err := client.get(ctx, "/jobs/"+url.PathEscape(id))
		if err != nil {
			return err
		}
		var job jobs.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		if job.Message != lastMsg {
			printStep("[%3d%%] %s", job.Progress, job.Message)
			lastMsg = job.Message
		}
		switch job.Status {
		case jobs.StatusCompleted:
			printSuccess("Job %s completed", id)
			return printJSON(job.Result)
		case jobs.StatusFailed:
			return fmt.Errorf("job %s failed: %s", id, job.Error)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect analysis jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		active, _ := cmd.Flags().GetBool("active")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs"
		if active {
			path += "?active_only=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []jobs.Job
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No jobs.")
			return nil
		}
		for _, j := range list {
			fmt.Printf("%s  %-20s %-10s %3d%%  %s\n",
				colorize(bold, j.ID), j.Kind, statusLabel(j.Status), j.Progress, j.Message)
		}
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one job with its result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job jobs.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(job)
	},
}

func init() {
	jobsListCmd.Flags().Bool("active", false, "only pending and processing jobs")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
}

func statusLabel(s jobs.Status) string {
	switch s {
	case jobs.StatusCompleted:
		return colorize(green, string(s))
	case jobs.StatusFailed:
		return colorize(red, string(s))
	case jobs.StatusProcessing:
		return colorize(cyan, string(s))
	}
	return string(s)
}

// --- history / timeline / reset ---

var historyCmd = &cobra.Command{
	Use:   "history <corpus> <source> <target>",
	Short: "Show every stored snapshot of a pair",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), pairPath(args[0], "/history", args[1], args[2]))
		if err != nil {
			return err
		}
		var states []narrative.State
		if err := decodeJSON(resp, &states); err != nil {
			return err
		}
		if asJSON {
			return printJSON(states)
		}
		if len(states) == 0 {
			fmt.Println("No history. Run `storytrace analyze` first.")
			return nil
		}
		for _, s := range states {
			printSnapshot(s)
		}
		return nil
	},
}

func printSnapshot(s narrative.State) {
	header := fmt.Sprintf("#%d", s.Position)
	if d, err := relationship.Decode(s); err == nil {
		header += fmt.Sprintf("  trust=%d romance=%d conflict=%d  %s / %s",
			d.Trust, d.Romance, d.Conflict, d.Archetype, d.Stage)
	}
	fmt.Println(colorize(bold, header))
	for _, line := range strings.Split(s.Summary, "\n") {
		fmt.Printf("    %s\n", line)
	}
	if len(s.Tags) > 0 {
		fmt.Printf("    tags: %s\n", strings.Join(s.Tags, ", "))
	}
}

var timelineCmd = &cobra.Command{
	Use:   "timeline <corpus> <source> <target>",
	Short: "Show per-unit interactions alongside stored snapshots",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), pairPath(args[0], "/timeline", args[1], args[2]))
		if err != nil {
			return err
		}
		var tl pipeline.Timeline
		if err := decodeJSON(resp, &tl); err != nil {
			return err
		}
		if asJSON {
			return printJSON(tl)
		}

		fmt.Printf("%s in %s (threshold %.2f)\n", colorize(bold, tl.EntityID), tl.CorpusID, tl.Threshold)
		for _, e := range tl.Entries {
			marker := " "
			if e.Above {
				marker = colorize(green, "*")
			}
			line := fmt.Sprintf("%s #%-4d %-30s score=%.1f", marker, e.Position, e.Title, e.Score)
			if e.Details != nil {
				line += fmt.Sprintf("  trust=%d romance=%d conflict=%d", e.Details.Trust, e.Details.Romance, e.Details.Conflict)
			}
			fmt.Println(line)
			for _, in := range e.Interactions {
				fmt.Printf("        %s -> %s: %s\n", in.Source, in.Target, in.Description)
			}
		}
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <corpus> <source> <target>",
	Short: "Delete every stored snapshot of a pair",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), pairPath(args[0], "", args[1], args[2]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Reset %s / %s in %s", args[1], args[2], args[0])
		return nil
	},
}

func init() {
	historyCmd.Flags().Bool("json", false, "print raw JSON")
	timelineCmd.Flags().Bool("json", false, "print raw JSON")
}

// --- corpus ---

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Manage imported corpora",
}

var corpusImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import a segmented corpus, replacing any corpus with the same id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := corpus.LoadFile(args[0])
		if err != nil {
			return err
		}
		if id, _ := cmd.Flags().GetString("id"); id != "" {
			doc.CorpusID = id
		}
		if doc.CorpusID == "" {
			doc.CorpusID = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/corpora", doc)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Imported %s (%d units)", doc.CorpusID, len(doc.Units))
		return nil
	},
}

var corpusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List imported corpora",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/corpora")
		if err != nil {
			return err
		}
		var list []storage.CorpusSummary
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No corpora imported.")
			return nil
		}
		for _, c := range list {
			fmt.Printf("%s  %d units (positions %d-%d)\n", colorize(bold, c.ID), c.Units, c.FirstPosition, c.LastPosition)
		}
		return nil
	},
}

var corpusDeleteCmd = &cobra.Command{
	Use:   "delete <corpus>",
	Short: "Delete an imported corpus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/corpora/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted %s", args[0])
		return nil
	},
}

func init() {
	corpusImportCmd.Flags().String("id", "", "corpus id (defaults to corpus_id in the file, then the file name)")
	corpusCmd.AddCommand(corpusImportCmd)
	corpusCmd.AddCommand(corpusListCmd)
	corpusCmd.AddCommand(corpusDeleteCmd)
}

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the oracle response cache (server must be stopped)",
}

func openCache() (*cache.Cache, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(filepath.Join(cfg.Storage.DataDir, "cache.db"))
	if err != nil {
		return nil, fmt.Errorf("%w (is `storytrace serve` running?)", err)
	}
	return c, nil
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		stats, err := c.Stats(cmd.Context())
		if err != nil {
			return err
		}
		printStatus("Entries", "%d", stats.Entries)
		printStatus("Path", "%s", stats.Path)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached response",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCache()
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.Clear(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Removed %d cached responses", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage storytrace configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(bold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		if config.IsSecret(key) {
			printSuccess("Stored %s", key)
		} else {
			printSuccess("Set %s = %s", key, value)
		}
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
