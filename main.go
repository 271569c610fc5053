// Command gristmill queries a grist:// resource from the command line and
// prints the matching rows as JSON lines. It is a thin embedding of
// pkg/engine; all query behavior lives there.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/quarryhq/gristmill/pkg/cache"
	"github.com/quarryhq/gristmill/pkg/config"
	"github.com/quarryhq/gristmill/pkg/engine"
	"github.com/quarryhq/gristmill/pkg/logging"
	"github.com/quarryhq/gristmill/pkg/planner"
	"github.com/quarryhq/gristmill/pkg/resource"
)

// filterFlags collects repeated -filter col=value arguments.
type filterFlags []string

func (f *filterFlags) String() string { return strings.Join(*f, ",") }

func (f *filterFlags) Set(value string) error {
	if !strings.Contains(value, "=") {
		return fmt.Errorf("filter must be col=value, got %q", value)
	}
	*f = append(*f, value)
	return nil
}

func main() {
	var (
		settingsPath = flag.String("settings", "gristmill.yaml", "session settings file (YAML)")
		printConfig  = flag.Bool("print-config", false, "print the resolved configuration and exit")
		printSchema  = flag.Bool("schema", false, "print the resource schema instead of rows")
		limit        = flag.Int("limit", 0, "maximum number of rows (0 = all)")
		sortSpec     = flag.String("sort", "", "sort column, prefix with - for descending")
		stats        = flag.Bool("stats", false, "print cache statistics after the query")
		debug        = flag.Bool("debug", false, "verbose logging")
		filters      filterFlags
	)
	flag.Var(&filters, "filter", "equality filter col=value (repeatable)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: gristmill [flags] <grist://...>\n\nflags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	identifier := flag.Arg(0)

	if err := run(identifier, *settingsPath, *printConfig, *printSchema, *stats, *debug, *limit, *sortSpec, filters); err != nil {
		fmt.Fprintf(os.Stderr, "gristmill: %s\n", logging.SanitizeError(err))
		os.Exit(1)
	}
}

func run(identifier, settingsPath string, printConfig, printSchema, stats, debug bool, limit int, sortSpec string, filters filterFlags) error {
	logger := zap.NewNop()
	if debug {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer logger.Sync()
	}

	session, err := config.Load(settingsPath)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	addr, overrides, err := resource.Parse(identifier)
	if err != nil {
		return err
	}

	cfg, err := config.Resolve(config.Defaults(), session, overrides)
	if err != nil {
		return err
	}

	if printConfig {
		return emitConfig(cfg)
	}

	store := cache.New(cfg.Cache, logger)
	eng := engine.New(engine.Options{
		Session: session,
		Store:   store,
		Logger:  logger,
	})
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := json.NewEncoder(os.Stdout)

	if printSchema {
		desc, err := eng.Schema(ctx, addr, overrides)
		if err != nil {
			return err
		}
		return out.Encode(desc)
	}

	query, err := buildQuery(filters, sortSpec, limit)
	if err != nil {
		return err
	}
	rows, err := eng.Rows(ctx, addr, overrides, query)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := out.Encode(row); err != nil {
			return err
		}
	}

	if stats {
		s := eng.CacheStats()
		fmt.Fprintf(os.Stderr, "cache: %d hits, %d misses, %d evictions, %d entries\n",
			s.Hits, s.Misses, s.Evictions, s.Entries)
	}
	return nil
}

// emitConfig prints the resolved configuration as YAML with the API key
// masked.
func emitConfig(cfg *config.Effective) error {
	printable := struct {
		Server string             `yaml:"server"`
		OrgID  string             `yaml:"org_id"`
		APIKey string             `yaml:"api_key"`
		Cache  config.CacheConfig `yaml:"cache"`
	}{
		Server: cfg.Server,
		OrgID:  cfg.OrgID,
		APIKey: logging.RedactedText,
		Cache:  cfg.Cache,
	}
	encoded, err := yaml.Marshal(printable)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(encoded)
	return err
}

// buildQuery turns the CLI flags into a query. Filter values are coerced by
// shape: numbers and booleans parse into their types, everything else stays
// a string.
func buildQuery(filters filterFlags, sortSpec string, limit int) (planner.Query, error) {
	q := planner.Query{Limit: limit}
	for _, f := range filters {
		col, value, _ := strings.Cut(f, "=")
		if col == "" {
			return planner.Query{}, fmt.Errorf("filter needs a column name: %q", f)
		}
		q.Predicates = append(q.Predicates, planner.Predicate{
			Column: col,
			Op:     planner.OpEq,
			Value:  coerceLiteral(value),
		})
	}
	if sortSpec != "" {
		key := planner.SortKey{Column: sortSpec}
		if strings.HasPrefix(sortSpec, "-") {
			key = planner.SortKey{Column: sortSpec[1:], Descending: true}
		}
		q.Sort = []planner.SortKey{key}
	}
	return q, nil
}

func coerceLiteral(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
