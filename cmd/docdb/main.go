// Package main is the docdb command line tool, a thin smoke-test
// harness over the engine's public collection API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/docxology/docdb/internal/docdb/collection"
	"github.com/docxology/docdb/internal/docdb/config"
	"github.com/docxology/docdb/internal/docdb/engine"
	"github.com/docxology/docdb/internal/docdb/index"
)

type rootFlags struct {
	dsn        string
	configPath string
	audit      bool
}

func main() {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "docdb",
		Short: "Embedded document store smoke-test harness",
	}
	rootCmd.PersistentFlags().StringVar(&flags.dsn, "db", ":memory:", "modernc.org/sqlite data source (file path or :memory:)")
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to an optional docdb config YAML file")
	rootCmd.PersistentFlags().BoolVar(&flags.audit, "audit", false, "mirror every mutating op into the _docdb_audit collection")

	rootCmd.AddCommand(insertCmd(flags))
	rootCmd.AddCommand(findCmd(flags))
	rootCmd.AddCommand(aggregateCmd(flags))
	rootCmd.AddCommand(indexesCmd(flags))
	rootCmd.AddCommand(watchCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openEngine(ctx context.Context, flags *rootFlags) (*engine.Database, error) {
	opts := engine.Options{DataSource: flags.dsn, Audit: flags.audit}
	if flags.configPath != "" {
		exists, err := config.Exists(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("checking config path: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("config file not found: %s", flags.configPath)
		}
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		opts, err = opts.FromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("applying config: %w", err)
		}
	}
	return engine.Open(ctx, opts)
}

type insertFlags struct {
	*rootFlags
	many bool
}

func insertCmd(root *rootFlags) *cobra.Command {
	flags := &insertFlags{rootFlags: root}
	cmd := &cobra.Command{
		Use:   "insert <collection>",
		Short: "Insert one document (or, with --many, a JSON array of documents) read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runInsert(args[0], flags)
		},
	}
	cmd.Flags().BoolVar(&flags.many, "many", false, "read a JSON array from stdin and insert every element")
	return cmd
}

func runInsert(collName string, flags *insertFlags) error {
	ctx := context.Background()
	d, err := openEngine(ctx, flags.rootFlags)
	if err != nil {
		return err
	}
	defer d.Close()

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	if flags.many {
		var docs []map[string]any
		if err := json.Unmarshal(raw, &docs); err != nil {
			return fmt.Errorf("decoding document array: %w", err)
		}
		ids, err := d.InsertMany(ctx, collName, docs)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	id, err := d.InsertOne(ctx, collName, doc)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

type findFlags struct {
	*rootFlags
	filter  string
	project string
	sort    string
	skip    int64
	limit   int64
}

func findCmd(root *rootFlags) *cobra.Command {
	flags := &findFlags{rootFlags: root}
	cmd := &cobra.Command{
		Use:   "find <collection>",
		Short: "Print every document matching a filter, one JSON object per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runFind(args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.filter, "filter", "{}", "JSON filter document")
	cmd.Flags().StringVar(&flags.project, "project", "", "JSON projection document, e.g. {\"_id\":0,\"name\":1}")
	cmd.Flags().StringVar(&flags.sort, "sort", "", "comma-separated field names, prefix with - for descending (e.g. -created_at,name)")
	cmd.Flags().Int64Var(&flags.skip, "skip", 0, "number of matching documents to skip")
	cmd.Flags().Int64Var(&flags.limit, "limit", 0, "maximum number of documents to print, 0 for unbounded")
	return cmd
}

func runFind(collName string, flags *findFlags) error {
	ctx := context.Background()
	d, err := openEngine(ctx, flags.rootFlags)
	if err != nil {
		return err
	}
	defer d.Close()

	var filter map[string]any
	if err := json.Unmarshal([]byte(flags.filter), &filter); err != nil {
		return fmt.Errorf("decoding filter: %w", err)
	}
	var projection map[string]any
	if flags.project != "" {
		if err := json.Unmarshal([]byte(flags.project), &projection); err != nil {
			return fmt.Errorf("decoding projection: %w", err)
		}
	}

	cur, err := d.Find(ctx, collName, filter, collection.FindOptions{
		Projection: projection,
		Sort:       parseSortKeys(flags.sort),
		Skip:       flags.skip,
		Limit:      flags.limit,
	})
	if err != nil {
		return err
	}
	defer cur.Close()

	enc := json.NewEncoder(os.Stdout)
	for cur.Next() {
		if err := enc.Encode(cur.Doc()); err != nil {
			return err
		}
	}
	return cur.Err()
}

func parseSortKeys(spec string) []collection.SortKey {
	if spec == "" {
		return nil
	}
	var keys []collection.SortKey
	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if strings.HasPrefix(field, "-") {
			keys = append(keys, collection.SortKey{Field: field[1:], Desc: true})
			continue
		}
		keys = append(keys, collection.SortKey{Field: field})
	}
	return keys
}

type aggregateFlags struct {
	*rootFlags
	pipeline string
}

func aggregateCmd(root *rootFlags) *cobra.Command {
	flags := &aggregateFlags{rootFlags: root}
	cmd := &cobra.Command{
		Use:   "aggregate <collection>",
		Short: "Run an aggregation pipeline and print the resulting documents, one JSON object per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runAggregate(args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.pipeline, "pipeline", "[]", "JSON array of pipeline stage documents")
	return cmd
}

func runAggregate(collName string, flags *aggregateFlags) error {
	ctx := context.Background()
	d, err := openEngine(ctx, flags.rootFlags)
	if err != nil {
		return err
	}
	defer d.Close()

	var pipeline []map[string]any
	if err := json.Unmarshal([]byte(flags.pipeline), &pipeline); err != nil {
		return fmt.Errorf("decoding pipeline: %w", err)
	}

	it, err := d.Aggregate(ctx, collName, pipeline)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for it.Next() {
		if err := enc.Encode(it.Doc()); err != nil {
			return err
		}
	}
	return nil
}

func indexesCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{Use: "indexes", Short: "Manage indexes declared in the config file"}
	cmd.AddCommand(indexesEnsureCmd(root))
	return cmd
}

func indexesEnsureCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Create every index declared in --config that does not already exist",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runIndexesEnsure(root)
		},
	}
}

func runIndexesEnsure(flags *rootFlags) error {
	if flags.configPath == "" {
		return fmt.Errorf("--config is required")
	}
	ctx := context.Background()
	d, err := openEngine(ctx, flags)
	if err != nil {
		return err
	}
	defer d.Close()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}

	for _, ic := range cfg.Indexes {
		c, err := d.Collection(ctx, ic.Collection)
		if err != nil {
			return fmt.Errorf("opening collection %s: %w", ic.Collection, err)
		}
		err = c.Index.Create(ctx, index.Descriptor{
			Name:      ic.Name,
			Keys:      ic.Keys,
			Unique:    ic.Unique,
			FTS:       ic.FTS,
			Tokenizer: ic.Tokenizer,
		})
		if err != nil {
			return fmt.Errorf("creating index %s on %s: %w", ic.Name, ic.Collection, err)
		}
		fmt.Printf("ensured index %s on %s\n", ic.Name, ic.Collection)
	}
	return nil
}

type watchFlags struct {
	*rootFlags
	duration time.Duration
}

func watchCmd(root *rootFlags) *cobra.Command {
	flags := &watchFlags{rootFlags: root}
	cmd := &cobra.Command{
		Use:   "watch <collection>",
		Short: "Print change-stream events for a collection until the timeout elapses",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runWatch(args[0], flags)
		},
	}
	cmd.Flags().DurationVar(&flags.duration, "for", 10*time.Second, "how long to watch before exiting")
	return cmd
}

func runWatch(collName string, flags *watchFlags) error {
	ctx, cancel := context.WithTimeout(context.Background(), flags.duration)
	defer cancel()

	d, err := openEngine(ctx, flags.rootFlags)
	if err != nil {
		return err
	}
	defer d.Close()

	stream, err := d.Watch(ctx, collName)
	if err != nil {
		return err
	}
	defer stream.Cancel()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	enc := json.NewEncoder(w)
	for {
		select {
		case ev, ok := <-stream.C:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
			w.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}
