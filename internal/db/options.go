package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaverdb/internal/metrics"
	"github.com/ChuLiYu/beaverdb/internal/storage/column"
	"github.com/ChuLiYu/beaverdb/pkg/types"
)

// Pipeline tunables. Commit queue bytes live in memory; log queue bytes
// are disk-backed.
const (
	maxCommitQueueBytes       = 16 * 1024 * 1024
	maxLogQueueBytes    int64 = 128 * 1024 * 1024
	minLogSize          int64 = 64 * 1024 * 1024
	keepLogs                  = 16
)

const metadataFile = "metadata"

// Options configure a database instance.
type Options struct {
	// Path is the database root directory.
	Path string
	// Columns fixes the column count and per-column flags at creation.
	Columns []column.Options
	// SyncData flushes columns before log cleanup and retires log files
	// eagerly (keep_logs = 0).
	SyncData bool
	// Stats writes stats.txt on shutdown.
	Stats bool
	// Metrics optionally receives pipeline observations. Nil disables.
	Metrics *metrics.Collector
}

// OptionsWithColumns builds default options for a database of n plain
// columns.
func OptionsWithColumns(path string, n uint8) Options {
	return Options{Path: path, Columns: make([]column.Options, n)}
}

func (o *Options) valid() bool {
	return o.Path != "" && len(o.Columns) > 0 && len(o.Columns) <= 255
}

// metadata is the on-disk record of the database shape, written at create
// and validated on every open.
type metadata struct {
	Version int              `yaml:"version"`
	Columns []column.Options `yaml:"columns"`
}

// loadAndValidateMetadata reads the metadata file, creating it on first
// open when create is set. The stored column count must match the options.
func (o *Options) loadAndValidateMetadata(create bool) (*metadata, error) {
	path := filepath.Join(o.Path, metadataFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if !create {
			return nil, types.ErrDatabaseMissing
		}
		m := &metadata{Version: 1, Columns: o.Columns}
		out, err := yaml.Marshal(m)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, out, 0o644); err != nil {
			return nil, fmt.Errorf("writing metadata: %w", err)
		}
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	var m metadata
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	if len(m.Columns) != len(o.Columns) {
		return nil, fmt.Errorf("metadata mismatch: database has %d columns, options specify %d",
			len(m.Columns), len(o.Columns))
	}
	return &m, nil
}

// CommitStages selects which pipeline workers an instance spawns. The
// non-standard modes exist for tests and tooling that want to stop the
// pipeline at a specific stage.
type CommitStages int

const (
	// StagesCommitOverlay spawns no workers; data stays in the commit
	// overlay.
	StagesCommitOverlay CommitStages = iota
	// StagesLogOverlay runs the log worker only; data is processed up to
	// the log overlay.
	StagesLogOverlay
	// StagesDbFile runs all workers with a zero rotation floor so every
	// record is flushed immediately.
	StagesDbFile
	// StagesStandard is the default run mode.
	StagesStandard
)

func (s CommitStages) spawnLogWorker() bool {
	return s != StagesCommitOverlay
}

func (s CommitStages) spawnFlushWorker() bool {
	return s.spawnCommitWorker()
}

func (s CommitStages) spawnCommitWorker() bool {
	return s == StagesDbFile || s == StagesStandard
}

func (s CommitStages) spawnCleanupWorker() bool {
	return s.spawnCommitWorker()
}

func (s CommitStages) minLogSize() int64 {
	if s == StagesDbFile {
		return 0
	}
	return minLogSize
}

// doDrop reports whether Close performs the full join-and-drain shutdown.
// Only the default mode owns its workers; subset modes leave them parked.
func (s CommitStages) doDrop() bool {
	return s == StagesStandard
}

// internalOptions is the test/tuning open surface, not exposed to end
// users.
type internalOptions struct {
	create        bool
	readOnly      bool
	skipCheckLock bool
	commitStages  CommitStages
}

func defaultInternalOptions() internalOptions {
	return internalOptions{commitStages: StagesStandard}
}
