// Package main provides the graphlock CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/graphlock/pkg/config"
	"github.com/orneryd/graphlock/pkg/locking"
	"github.com/orneryd/graphlock/pkg/logging"
	"github.com/orneryd/graphlock/pkg/resource"
	"github.com/orneryd/graphlock/pkg/tracing"
	"github.com/orneryd/graphlock/pkg/workload"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "graphlock",
		Short: "graphlock - resource lock manager for graph storage engines",
		Long: `graphlock is the lock manager of a graph database kernel: shared and
exclusive locks on nodes, relationships, labels and index entries, with
FIFO fairness and deadlock detection.

Commands:
  • stress   run a concurrent transaction workload and check mutual exclusion
  • hash     compute the lock id of an index entry
  • journal  show recorded lock waits
  • config   print the resolved configuration`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "graphlock v%s (%s)\n", version, commit)
		},
	})

	// Config command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the resolved configuration as YAML",
		RunE:  runConfig,
	})

	// Hash command
	hashCmd := &cobra.Command{
		Use:   "hash TOKEN KEY=VALUE...",
		Short: "Compute the lock id of an index entry",
		Long: `Compute the index entry lock id for a schema token and exact-match
predicates. Predicates are sorted by property key before hashing.

Values parse as integers, then floats, then booleans, and fall back to
strings. Quote a value to force a string.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runHash,
	}
	hashCmd.Flags().String("hash-version", "", "Hash version (v1, v2; default from config)")
	hashCmd.Flags().Bool("relationship", false, "TOKEN is a relationship type id instead of a label id")
	rootCmd.AddCommand(hashCmd)

	// Stress command
	stressCmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent lock workload",
		Long:  "Run randomized transactions against one lock manager, retrying deadlocks, and verify no conflicting locks were ever held together",
		RunE:  runStress,
	}
	stressCmd.Flags().Int("clients", 0, "Concurrent clients (default from config)")
	stressCmd.Flags().Int("transactions", 0, "Transactions per client (default from config)")
	stressCmd.Flags().Int("resources", 0, "Distinct node ids (default from config)")
	stressCmd.Flags().Int("locks-per-tx", 0, "Locks per transaction (default from config)")
	stressCmd.Flags().Float64("exclusive-ratio", -1, "Fraction of exclusive locks (default from config)")
	stressCmd.Flags().Int64("seed", 0, "Random seed (default from config)")
	stressCmd.Flags().String("journal-dir", "", "Record lock waits to a badger journal in this directory")
	stressCmd.Flags().Bool("json", false, "Print the result as JSON")
	rootCmd.AddCommand(stressCmd)

	// Journal command
	journalCmd := &cobra.Command{
		Use:   "journal",
		Short: "Show the most recent recorded lock waits",
		RunE:  runJournal,
	}
	journalCmd.Flags().String("dir", "", "Journal directory (default from config)")
	journalCmd.Flags().IntP("limit", "n", 20, "Number of records to show")
	rootCmd.AddCommand(journalCmd)

	return rootCmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	out, err := cfg.YAML()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func runHash(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	versionName, _ := cmd.Flags().GetString("hash-version")
	if versionName == "" {
		versionName = cfg.Locks.HashVersion
	}
	v, err := resource.ParseHashVersion(versionName)
	if err != nil {
		return err
	}

	tokenID, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("token must be an integer: %q", args[0])
	}
	token := resource.LabelToken(tokenID)
	if rel, _ := cmd.Flags().GetBool("relationship"); rel {
		token = resource.RelationshipTypeToken(tokenID)
	}

	preds := make([]resource.Predicate, 0, len(args)-1)
	for _, arg := range args[1:] {
		p, err := parsePredicate(arg)
		if err != nil {
			return err
		}
		preds = append(preds, p)
	}

	id, err := resource.IndexEntryID(v, token, resource.SortPredicates(preds)...)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d\n", int64(id))
	return nil
}

// parsePredicate parses KEY=VALUE.
func parsePredicate(arg string) (resource.Predicate, error) {
	k, raw, ok := strings.Cut(arg, "=")
	if !ok {
		return resource.Predicate{}, fmt.Errorf("predicate must be KEY=VALUE: %q", arg)
	}
	key, err := strconv.Atoi(k)
	if err != nil {
		return resource.Predicate{}, fmt.Errorf("property key must be an integer: %q", k)
	}
	return resource.Predicate{PropertyKey: key, Value: parseValue(raw)}, nil
}

func parseValue(raw string) any {
	if s, err := strconv.Unquote(raw); err == nil {
		return s
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func runStress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyStressFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	hashVersion, _ := resource.ParseHashVersion(cfg.Locks.HashVersion)

	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	locks := locking.NewManager(
		locking.WithLogger(log),
		locking.WithDeadlockLogging(cfg.Locks.LogDeadlocks),
	)
	defer locks.Close()

	var tracers []locking.WaitTracer
	if cfg.Tracing.Enabled {
		tracers = append(tracers, tracing.NewLogging(log, cfg.Tracing.SlowWaitThreshold))
	}
	var journal *tracing.Journal
	if cfg.Tracing.JournalDir != "" {
		journal, err = tracing.OpenJournal(tracing.JournalOptions{
			Dir:        cfg.Tracing.JournalDir,
			BufferSize: cfg.Tracing.JournalBuffer,
			Log:        log,
		})
		if err != nil {
			return err
		}
		defer journal.Close()
		tracers = append(tracers, journal)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	asJSON, _ := cmd.Flags().GetBool("json")
	if !asJSON {
		w := cfg.Workload
		fmt.Fprintf(out, "🔒 Running %d clients × %d transactions over %d resources (%d locks each, %.0f%% exclusive)\n",
			w.Clients, w.Transactions, w.Resources, w.LocksPerTx, w.ExclusiveRatio*100)
	}

	res, err := workload.Run(ctx, cfg.Workload,
		workload.WithLockManager(locks),
		workload.WithTracer(tracing.Multi(tracers...)),
		workload.WithHashVersion(hashVersion),
		workload.WithLogger(log),
	)
	if err != nil && res == nil {
		return err
	}

	if journal != nil {
		if ferr := journal.Flush(); ferr != nil {
			log.WithError(ferr).Warn("flush wait journal")
		}
		st := journal.Stats()
		log.WithFields(logrus.Fields{
			"written": st.Written,
			"dropped": st.Dropped,
			"errors":  st.Errors,
		}).Info("wait journal")
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if jerr := enc.Encode(res); jerr != nil {
			return jerr
		}
	} else {
		printResult(cmd, res)
	}

	if err != nil {
		return err
	}
	if res.Violations > 0 {
		return fmt.Errorf("mutual exclusion violated %d times", res.Violations)
	}
	if res.LeftoverSlots > 0 {
		return fmt.Errorf("%d lock slots leaked", res.LeftoverSlots)
	}
	return nil
}

func applyStressFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if v, _ := flags.GetInt("clients"); v > 0 {
		cfg.Workload.Clients = v
	}
	if v, _ := flags.GetInt("transactions"); v > 0 {
		cfg.Workload.Transactions = v
	}
	if v, _ := flags.GetInt("resources"); v > 0 {
		cfg.Workload.Resources = v
		if cfg.Workload.HotSet > v {
			cfg.Workload.HotSet = v
		}
	}
	if v, _ := flags.GetInt("locks-per-tx"); v > 0 {
		cfg.Workload.LocksPerTx = v
	}
	if v, _ := flags.GetFloat64("exclusive-ratio"); v >= 0 {
		cfg.Workload.ExclusiveRatio = v
	}
	if flags.Changed("seed") {
		cfg.Workload.Seed, _ = flags.GetInt64("seed")
	}
	if v, _ := flags.GetString("journal-dir"); v != "" {
		cfg.Tracing.JournalDir = v
	}
}

func printResult(cmd *cobra.Command, res *workload.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintf(out, "   Committed:   %d (%.0f tx/s)\n", res.Committed, res.Throughput())
	fmt.Fprintf(out, "   Deadlocks:   %d\n", res.Deadlocks)
	fmt.Fprintf(out, "   Aborted:     %d\n", res.Aborted)
	fmt.Fprintf(out, "   Locks taken: %d\n", res.Locks)
	fmt.Fprintf(out, "   Waits:       %d (%v total)\n", res.Waits, res.WaitTime)
	fmt.Fprintf(out, "   Elapsed:     %v\n", res.Elapsed)
	fmt.Fprintln(out)
	if res.Violations == 0 && res.LeftoverSlots == 0 {
		fmt.Fprintln(out, "✅ No conflicting locks observed")
	} else {
		fmt.Fprintf(out, "❌ %d violations, %d leaked slots\n", res.Violations, res.LeftoverSlots)
	}
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.Tracing.JournalDir
	}
	if dir == "" {
		return fmt.Errorf("no journal directory: pass --dir or set tracing.journal_dir")
	}
	limit, _ := cmd.Flags().GetInt("limit")

	journal, err := tracing.OpenJournal(tracing.JournalOptions{Dir: dir})
	if err != nil {
		return err
	}
	defer journal.Close()

	records, err := journal.Recent(limit)
	if err != nil {
		return err
	}
	total, err := journal.Len()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "📊 %d of %d recorded waits (newest first)\n", len(records), total)
	for _, rec := range records {
		fmt.Fprintf(out, "  #%-6d client %-4d %-9s %-12s %v waited %v\n",
			rec.Seq, rec.ClientID, rec.Mode, rec.Type, rec.IDs, rec.Waited)
	}
	return nil
}
