// Package journal records remote-create intents so that a crash between a
// remote create and the local persistence of its id can be detected on the
// next start.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// OpCreate marks an intent to create a new remote snapshot.
const OpCreate = "create"

// Intent is one remote operation whose local side effect is not yet durable.
type Intent struct {
	Op        string    `json:"op"`
	Backend   string    `json:"backend"`
	StartedAt time.Time `json:"started_at"`
}

// PendingIntent is an uncommitted intent with its sequence number.
type PendingIntent struct {
	Seq uint64
	Intent
}

type entry struct {
	Seq    uint64  `json:"seq"`
	Intent *Intent `json:"intent,omitempty"`
	Done   bool    `json:"done,omitempty"`
}

// Journal is an append-only JSONL file. Each intent is one line; committing
// it appends a done marker for the same sequence number.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	nextSeq uint64
	pending map[uint64]Intent
}

// Open creates or opens a journal at path. On startup it drops committed
// intents and ignores a partially written trailing line.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("journal: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("journal: mkdir: %w", err)
	}

	maxSeq, pending, err := compact(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	return &Journal{
		path:    path,
		file:    f,
		nextSeq: maxSeq + 1,
		pending: pending,
	}, nil
}

// Append persists one intent and returns its sequence number. The line is
// fsynced before Append returns.
func (j *Journal) Append(in Intent) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return 0, errors.New("journal: closed")
	}
	seq := j.nextSeq
	if err := j.write(entry{Seq: seq, Intent: &in}); err != nil {
		return 0, err
	}
	j.nextSeq++
	j.pending[seq] = in
	return seq, nil
}

// Commit marks the intent seq as resolved. Committing an unknown or already
// committed seq is a no-op.
func (j *Journal) Commit(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, ok := j.pending[seq]; !ok {
		return nil
	}
	if j.file == nil {
		return errors.New("journal: closed")
	}
	if err := j.write(entry{Seq: seq, Done: true}); err != nil {
		return err
	}
	delete(j.pending, seq)
	return nil
}

// Pending returns uncommitted intents in sequence order.
func (j *Journal) Pending() []PendingIntent {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]PendingIntent, 0, len(j.pending))
	for seq, in := range j.pending {
		out = append(out, PendingIntent{Seq: seq, Intent: in})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out
}

// Close closes the underlying journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

func (j *Journal) write(e entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync entry: %w", err)
	}
	return nil
}

// compact rewrites path keeping only uncommitted intents and returns the
// highest sequence number seen.
func compact(path string) (uint64, map[uint64]Intent, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, nil, fmt.Errorf("journal: open source for compact: %w", err)
	}
	defer src.Close()

	pending := make(map[uint64]Intent)
	var maxSeq uint64

	reader := bufio.NewReader(src)
	for {
		line, rerr := reader.ReadBytes('\n')
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return 0, nil, fmt.Errorf("journal: compact read: %w", rerr)
		}
		if len(line) == 0 || !strings.HasSuffix(string(line), "\n") {
			// Ignore a potentially partial trailing line.
			break
		}

		var e entry
		if uerr := json.Unmarshal(line, &e); uerr != nil {
			break
		}
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		switch {
		case e.Done:
			delete(pending, e.Seq)
		case e.Intent != nil:
			pending[e.Seq] = *e.Intent
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
	}

	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, defaultFileMode)
	if err != nil {
		return 0, nil, fmt.Errorf("journal: open compact tmp: %w", err)
	}

	seqs := make([]uint64, 0, len(pending))
	for seq := range pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(a, b int) bool { return seqs[a] < seqs[b] })

	w := bufio.NewWriter(dst)
	for _, seq := range seqs {
		in := pending[seq]
		line, merr := json.Marshal(entry{Seq: seq, Intent: &in})
		if merr != nil {
			_ = dst.Close()
			_ = os.Remove(tmpPath)
			return 0, nil, fmt.Errorf("journal: compact marshal: %w", merr)
		}
		_, _ = w.Write(append(line, '\n'))
	}
	if err := w.Flush(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("journal: compact write: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("journal: compact sync: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("journal: compact close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, nil, fmt.Errorf("journal: compact rename: %w", err)
	}
	return maxSeq, pending, nil
}
