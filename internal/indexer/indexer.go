// Package indexer implements the incremental indexer (spec component C2):
// a restartable tailer that walks an NDJSON tree, parses each line, and
// upserts the result into the index store, maintaining per-file cursors so
// repeat passes resume rather than rescan.
package indexer

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kon-rad/mikroscope/internal/store"
)

// Store is the subset of *store.Store the indexer consumes.
type Store interface {
	UpsertEntry(ctx context.Context, in store.UpsertEntryInput) (entryID int64, inserted bool, err error)
	UpsertField(ctx context.Context, entryID int64, key, valueText string) error
	DeleteEntriesForSourceFile(ctx context.Context, path string) (entriesDeleted, fieldsDeleted int64, err error)
}

// FileCursor is the incremental indexer's in-memory bookkeeping for one
// file, keyed by absolute path in Indexer.cursors.
type FileCursor struct {
	ByteOffset int64
	FileSize   int64
	LastLine   int
	ModTime    time.Time
}

// Report summarizes one indexing pass.
type Report struct {
	FilesScanned    int       `json:"filesScanned"`
	LinesScanned    int       `json:"linesScanned"`
	RecordsInserted int       `json:"recordsInserted"`
	RecordsSkipped  int       `json:"recordsSkipped"`
	ParseErrors     int       `json:"parseErrors"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt"`
	Mode            string    `json:"mode"`
}

// Indexer walks root looking for .ndjson files and indexes them into a
// Store. It is safe to call RunIncremental or RunFull concurrently; overlapping calls short
// circuit via the in-flight flag required by the concurrency model.
type Indexer struct {
	root  string
	store Store

	mu      sync.Mutex
	running bool

	cursorMu sync.Mutex
	cursors  map[string]FileCursor
}

// New builds an Indexer rooted at root.
func New(root string, store Store) *Indexer {
	return &Indexer{
		root:    root,
		store:   store,
		cursors: make(map[string]FileCursor),
	}
}

// ResetIncrementalState clears the entire cursor map, used after a store
// reset so the next incremental pass behaves like a full scan.
func (ix *Indexer) ResetIncrementalState() {
	ix.cursorMu.Lock()
	defer ix.cursorMu.Unlock()
	ix.cursors = make(map[string]FileCursor)
}

// RunIncremental performs an incremental pass: each file resumes from its
// prior cursor, or is detected as rewritten-in-place and reindexed from
// scratch. If another pass is already running, it returns a zero Report
// and ok=false without error.
func (ix *Indexer) RunIncremental(ctx context.Context) (Report, bool, error) {
	return ix.run(ctx, true)
}

// RunFull performs a full pass: every file is scanned from offset zero and
// no cursor is persisted. Typically used after a store reset.
func (ix *Indexer) RunFull(ctx context.Context) (Report, bool, error) {
	return ix.run(ctx, false)
}

func (ix *Indexer) run(ctx context.Context, incremental bool) (Report, bool, error) {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return Report{}, false, nil
	}
	ix.running = true
	ix.mu.Unlock()
	defer func() {
		ix.mu.Lock()
		ix.running = false
		ix.mu.Unlock()
	}()

	mode := "full"
	if incremental {
		mode = "incremental"
	}
	report := Report{StartedAt: time.Now().UTC(), Mode: mode}

	files, err := walkNDJSON(ix.root)
	if err != nil {
		return report, true, fmt.Errorf("walk logs root: %w", err)
	}
	report.FilesScanned = len(files)

	seen := make(map[string]struct{}, len(files))
	for _, abs := range files {
		seen[abs] = struct{}{}
		rel, err := filepath.Rel(ix.root, abs)
		if err != nil {
			rel = abs
		}
		rel = filepath.ToSlash(rel)

		if err := ctx.Err(); err != nil {
			return report, true, err
		}

		if err := ix.indexFile(ctx, abs, rel, incremental, &report); err != nil {
			continue
		}
	}

	if incremental {
		ix.cursorMu.Lock()
		for path := range ix.cursors {
			if _, ok := seen[path]; !ok {
				delete(ix.cursors, path)
			}
		}
		ix.cursorMu.Unlock()
	}

	report.FinishedAt = time.Now().UTC()
	return report, true, nil
}

func (ix *Indexer) indexFile(ctx context.Context, abs, rel string, incremental bool, report *Report) error {
	info, err := os.Stat(abs)
	if err != nil {
		return err
	}

	var startOffset int64
	var startLine int

	if incremental {
		ix.cursorMu.Lock()
		cursor, ok := ix.cursors[abs]
		ix.cursorMu.Unlock()

		switch {
		case !ok:
			startOffset, startLine = 0, 0
		case info.Size() < cursor.ByteOffset,
			info.Size() == cursor.ByteOffset && !info.ModTime().Equal(cursor.ModTime):
			if _, _, err := ix.store.DeleteEntriesForSourceFile(ctx, rel); err != nil {
				return err
			}
			startOffset, startLine = 0, 0
		default:
			startOffset, startLine = cursor.ByteOffset, cursor.LastLine
		}
	}

	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	if startOffset > 0 {
		if _, err := f.Seek(startOffset, 0); err != nil {
			return err
		}
	}

	lineNum := startLine
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	bytesRead := startOffset
	for scanner.Scan() {
		raw := scanner.Text()
		bytesRead += int64(len(raw)) + 1
		lineNum++
		report.LinesScanned++

		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}

		rec, ok := parseLine(trimmed)
		if !ok {
			report.ParseErrors++
			continue
		}

		normalized := normalize(rec, rel)
		entryID, inserted, err := ix.store.UpsertEntry(ctx, store.UpsertEntryInput{
			Timestamp:  normalized.Timestamp,
			Level:      normalized.Level,
			Event:      normalized.Event,
			Message:    normalized.Message,
			IsAudit:    normalized.IsAudit,
			DataJSON:   trimmed,
			SourceFile: rel,
			LineNumber: lineNum,
		})
		if err != nil {
			return err
		}
		if !inserted {
			report.RecordsSkipped++
			continue
		}
		report.RecordsInserted++

		for key, value := range scalarFields(rec) {
			if err := ix.store.UpsertField(ctx, entryID, key, value); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if incremental {
		ix.cursorMu.Lock()
		ix.cursors[abs] = FileCursor{
			ByteOffset: bytesRead,
			FileSize:   info.Size(),
			LastLine:   lineNum,
			ModTime:    info.ModTime(),
		}
		ix.cursorMu.Unlock()
	}
	return nil
}

// walkNDJSON returns the absolute paths of every .ndjson file under root,
// sorted for deterministic scan order. A missing root is not an error.
func walkNDJSON(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.ToLower(filepath.Ext(path)) == ".ndjson" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
