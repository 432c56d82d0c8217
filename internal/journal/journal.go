// Package journal records every dongle operation to CSV files with automatic
// rotation.
package journal

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one completed operation.
type Entry struct {
	Stamp    time.Time
	Op       string // e.g. "operate-blind", "get-blind"
	Blind    int    // -1 when the operation does not address a blind
	Action   string
	OK       bool   // dongle acknowledged the command
	Message  string // DONGLE_KO message
	Err      string // transport or protocol failure
	Duration time.Duration
}

// Config holds journal configuration.
type Config struct {
	Enabled bool
	Path    string
	MaxRows int
}

const defaultMaxRows = 50_000

var csvHeader = []string{
	"timestamp", "op", "blind", "action", "ok", "message", "error", "duration_ms",
}

// Journal appends entries to the current CSV file.
type Journal struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool
	log     *zap.Logger

	file   *os.File
	writer *csv.Writer
	rows   int
	now    func() time.Time
}

// New creates a Journal. Nothing touches the disk until the first Record.
func New(cfg Config, log *zap.Logger) *Journal {
	if cfg.Path == "" {
		cfg.Path = "/var/log/somfy-rts"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Journal{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
		log:     log,
		now:     time.Now,
	}
}

// SetEnabled allows toggling the journal at runtime.
func (j *Journal) SetEnabled(on bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.enabled = on
	if !on {
		j.closeFile()
	}
}

func (j *Journal) IsEnabled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.enabled
}

// Record appends e. Errors are logged, never returned: the journal must not
// fail an operation that already happened.
func (j *Journal) Record(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.enabled {
		return
	}
	if e.Stamp.IsZero() {
		e.Stamp = j.now()
	}

	if j.writer == nil || j.rows >= j.maxRows {
		if err := j.rotateFile(e.Stamp); err != nil {
			j.log.Warn("journal rotate failed", zap.Error(err))
			return
		}
	}

	if err := j.writer.Write(buildRow(e)); err != nil {
		j.log.Warn("journal write failed", zap.Error(err))
		return
	}
	j.writer.Flush()
	j.rows++
}

// Close flushes and closes the current file.
func (j *Journal) Close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeFile()
}

func (j *Journal) rotateFile(now time.Time) error {
	j.closeFile()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", j.dir, err)
	}

	filename := fmt.Sprintf("somfy_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(j.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	j.file = f
	j.writer = csv.NewWriter(f)
	j.rows = 0

	if err := j.writer.Write(csvHeader); err != nil {
		return err
	}
	j.writer.Flush()

	j.log.Info("journal opened", zap.String("path", path))
	return nil
}

func (j *Journal) closeFile() {
	if j.writer != nil {
		j.writer.Flush()
		j.writer = nil
	}
	if j.file != nil {
		j.file.Close()
		j.file = nil
	}
}

func buildRow(e Entry) []string {
	row := make([]string, len(csvHeader))
	row[0] = e.Stamp.Format(time.RFC3339Nano)
	row[1] = e.Op
	if e.Blind >= 0 {
		row[2] = strconv.Itoa(e.Blind)
	}
	row[3] = e.Action
	row[4] = boolStr(e.OK)
	row[5] = e.Message
	row[6] = e.Err
	row[7] = strconv.FormatInt(e.Duration.Milliseconds(), 10)
	return row
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
