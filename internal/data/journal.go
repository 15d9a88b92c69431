// Package data persists accepted signals.
package data

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-relay/pkg/types"
	"go.uber.org/zap"
)

// Journal is an append-only record of accepted signals.
type Journal interface {
	Append(ctx context.Context, env *types.SignalEnvelope) error
	// Recent returns up to limit envelopes, newest first. An empty group
	// matches every group.
	Recent(ctx context.Context, group string, limit int) ([]*types.SignalEnvelope, error)
	Close() error
}

const journalFilePattern = "signals-*.jsonl"

// FileJournal stores envelopes as JSON lines, one file per UTC day
type FileJournal struct {
	mu      sync.Mutex
	logger  *zap.Logger
	dataDir string
}

// NewFileJournal creates a new file journal under dataDir.
func NewFileJournal(logger *zap.Logger, dataDir string) (*FileJournal, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &FileJournal{
		logger:  logger.Named("file-journal"),
		dataDir: dataDir,
	}, nil
}

func (j *FileJournal) fileFor(t time.Time) string {
	return filepath.Join(j.dataDir, fmt.Sprintf("signals-%s.jsonl", t.UTC().Format("2006-01-02")))
}

// Append writes env to the file of its timestamp's day.
func (j *FileJournal) Append(ctx context.Context, env *types.SignalEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	line = append(line, '\n')

	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.fileFor(ts), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	return nil
}

// Recent reads the journal back, newest day and newest line first.
func (j *FileJournal) Recent(ctx context.Context, group string, limit int) ([]*types.SignalEnvelope, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(j.dataDir, journalFilePattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list journal files: %w", err)
	}
	// names embed the ISO date, so lexical order is chronological
	sort.Sort(sort.Reverse(sort.StringSlice(files)))

	var out []*types.SignalEnvelope
	for _, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := j.readFile(name, group)
		if err != nil {
			return nil, err
		}
		for i := len(entries) - 1; i >= 0; i-- {
			out = append(out, entries[i])
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (j *FileJournal) readFile(name, group string) ([]*types.SignalEnvelope, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	defer f.Close()

	var entries []*types.SignalEnvelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var env types.SignalEnvelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			j.logger.Warn("skipping corrupt journal line", zap.String("file", name), zap.Error(err))
			continue
		}
		if group != "" && env.GroupName != group {
			continue
		}
		entries = append(entries, &env)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal file: %w", err)
	}
	return entries, nil
}

// Close implements Journal.
func (j *FileJournal) Close() error {
	return nil
}
