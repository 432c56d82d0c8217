package journal

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func files(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "somfy_*.csv"))
	require.NoError(t, err)
	sort.Strings(matches)
	return matches
}

func TestRecordWritesRows(t *testing.T) {
	dir := t.TempDir()
	j := New(Config{Enabled: true, Path: dir}, nil)
	defer j.Close()

	j.Record(Entry{Op: "operate-blind", Blind: 3, Action: "up", OK: true, Duration: 120 * time.Millisecond})
	j.Record(Entry{Op: "alive", Blind: -1, Err: "dongle: alive: io: broken pipe"})

	got := files(t, dir)
	require.Len(t, got, 1)
	rows := readCSV(t, got[0])
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"operate-blind", "3", "up", "1", "", "", "120"}, rows[1][1:])
	assert.Equal(t, "", rows[2][2])
	assert.Equal(t, "0", rows[2][4])
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	j := New(Config{Path: dir}, nil)
	j.Record(Entry{Op: "alive"})
	assert.Empty(t, files(t, dir))

	j.SetEnabled(true)
	assert.True(t, j.IsEnabled())
	j.Record(Entry{Op: "alive"})
	j.Close()
	assert.Len(t, files(t, dir), 1)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	j := New(Config{Enabled: true, Path: dir, MaxRows: 2}, nil)
	defer j.Close()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		j.Record(Entry{Stamp: base.Add(time.Duration(i) * time.Second), Op: "get-blind", Blind: i + 1})
	}

	got := files(t, dir)
	require.Len(t, got, 3)
	assert.Len(t, readCSV(t, got[0]), 3)
	assert.Len(t, readCSV(t, got[2]), 2)
}
