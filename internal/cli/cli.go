// Package cli provides the beaverdb command line interface built on
// Cobra:
//
//	beaverdb stress   # exercise a database with concurrent writers
//	beaverdb check    # verify index/value consistency
//	beaverdb stats    # print column statistics
//
// Configuration comes from a YAML file (default: beaverdb.yaml) naming the
// database path, the column layout and the optional Prometheus endpoint.
package cli

import (
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaverdb/internal/db"
	"github.com/ChuLiYu/beaverdb/internal/metrics"
	"github.com/ChuLiYu/beaverdb/internal/storage/column"
	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// Config maps the YAML configuration file.
type Config struct {
	Path     string           `yaml:"path"`
	Columns  []column.Options `yaml:"columns"`
	SyncData bool             `yaml:"sync_data"`
	Stats    bool             `yaml:"stats"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Stress struct {
		Commits   int               `yaml:"commits"`
		Writers   int               `yaml:"writers"`
		BatchSize int               `yaml:"batch_size"`
		ValueSize datasize.ByteSize `yaml:"value_size"`
	} `yaml:"stress"`
}

var configFile string

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaverdb",
		Short: "BeaverDB: an embedded multi-column key-value store",
		Long: `BeaverDB is an embedded key-value storage engine with:
- Write-ahead logged durability
- A four-stage asynchronous commit pipeline
- Generational hash indexes with incremental reindexing
- Prometheus metrics`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "beaverdb.yaml", "config file path")

	rootCmd.AddCommand(buildStressCommand())
	rootCmd.AddCommand(buildCheckCommand())
	rootCmd.AddCommand(buildStatsCommand())

	return rootCmd
}

// LoadConfig reads and parses the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("config is missing the database path")
	}
	if len(cfg.Columns) == 0 {
		cfg.Columns = make([]column.Options, 1)
	}
	return &cfg, nil
}

func buildOptions(cfg *Config, collector *metrics.Collector) db.Options {
	return db.Options{
		Path:     cfg.Path,
		Columns:  cfg.Columns,
		SyncData: cfg.SyncData,
		Stats:    cfg.Stats,
		Metrics:  collector,
	}
}

func startMetricsServer(cfg *Config, collector *metrics.Collector) {
	if !cfg.Metrics.Enabled {
		return
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		log.Printf("Starting metrics server on %s\n", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("Metrics server error: %v\n", err)
		}
	}()
}

func buildStressCommand() *cobra.Command {
	var commits int
	var writers int

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Exercise a database with concurrent writers",
		Long:  "Open or create the configured database and run mixed put/delete commits from concurrent writers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			if commits > 0 {
				cfg.Stress.Commits = commits
			}
			if writers > 0 {
				cfg.Stress.Writers = writers
			}
			return runStress(cfg)
		},
	}

	cmd.Flags().IntVar(&commits, "commits", 0, "commits per writer (overrides config)")
	cmd.Flags().IntVar(&writers, "writers", 0, "concurrent writers (overrides config)")

	return cmd
}

func runStress(cfg *Config) error {
	if cfg.Stress.Commits <= 0 {
		cfg.Stress.Commits = 1000
	}
	if cfg.Stress.Writers <= 0 {
		cfg.Stress.Writers = 4
	}
	if cfg.Stress.BatchSize <= 0 {
		cfg.Stress.BatchSize = 8
	}
	if cfg.Stress.ValueSize == 0 {
		cfg.Stress.ValueSize = 256 * datasize.B
	}

	collector := metrics.NewCollector()
	startMetricsServer(cfg, collector)

	database, err := db.OpenOrCreate(buildOptions(cfg, collector))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	log.Printf("Stress: %d writers x %d commits, batch %d, value %s\n",
		cfg.Stress.Writers, cfg.Stress.Commits, cfg.Stress.BatchSize, cfg.Stress.ValueSize)

	var committed atomic.Uint64
	start := time.Now()
	var wg sync.WaitGroup
	errCh := make(chan error, cfg.Stress.Writers)
	for w := 0; w < cfg.Stress.Writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			value := make([]byte, int(cfg.Stress.ValueSize))
			rng.Read(value)
			for i := 0; i < cfg.Stress.Commits; i++ {
				tx := make([]db.Op, 0, cfg.Stress.BatchSize)
				for j := 0; j < cfg.Stress.BatchSize; j++ {
					col := types.ColumnID(rng.Intn(len(cfg.Columns)))
					key := []byte(fmt.Sprintf("key-%d-%d-%d", w, i, j))
					if j%8 == 7 {
						// Delete a key written earlier in the run.
						key = []byte(fmt.Sprintf("key-%d-%d-%d", w, rng.Intn(i+1), j-1))
						tx = append(tx, db.Op{Col: col, Key: key})
					} else {
						tx = append(tx, db.Op{Col: col, Key: key, Value: value})
					}
				}
				if err := database.Commit(tx); err != nil {
					errCh <- err
					return
				}
				committed.Add(1)
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return fmt.Errorf("stress writer failed: %w", err)
	}

	elapsed := time.Since(start)
	total := committed.Load()
	log.Printf("Committed %d transactions in %s (%.0f tx/s)\n",
		total, elapsed.Round(time.Millisecond), float64(total)/elapsed.Seconds())
	return nil
}

func buildCheckCommand() *cobra.Command {
	var columnFlag int
	var from, bound uint64
	var display bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify index/value consistency",
		Long:  "Walk the index tables and verify every live entry resolves to a readable value.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			database, err := db.OpenReadOnly(buildOptions(cfg, nil))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			opts := db.CheckOptions{From: from, Bound: bound}
			if columnFlag >= 0 {
				col := types.ColumnID(columnFlag)
				opts.Column = &col
			}
			if display {
				opts.Display = func(key types.Key, value types.Value) {
					fmt.Printf("%x: %d bytes\n", key, len(value))
				}
			}
			checked, err := database.Check(opts)
			if err != nil {
				return fmt.Errorf("check failed after %d entries: %w", checked, err)
			}
			log.Printf("Checked %d entries, no inconsistencies\n", checked)
			return nil
		},
	}

	cmd.Flags().IntVar(&columnFlag, "column", -1, "column to check (-1 for all)")
	cmd.Flags().Uint64Var(&from, "from", 0, "first index slot to check")
	cmd.Flags().Uint64Var(&bound, "bound", 0, "index slot bound (0 for the full table)")
	cmd.Flags().BoolVar(&display, "display", false, "print each checked entry")

	return cmd
}

func buildStatsCommand() *cobra.Command {
	var columnFlag int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print column statistics",
		Long:  "Open the database read-only and print each column's index generation, live entry count and operation counters. The counters are kept in memory and start at zero on every open.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(configFile)
			if err != nil {
				return err
			}
			database, err := db.OpenReadOnly(buildOptions(cfg, nil))
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			if columnFlag >= 0 {
				col := types.ColumnID(columnFlag)
				database.CollectStats(os.Stdout, &col)
				return nil
			}
			database.CollectStats(os.Stdout, nil)
			return nil
		},
	}

	cmd.Flags().IntVar(&columnFlag, "column", -1, "column to report (-1 for all)")

	return cmd
}
