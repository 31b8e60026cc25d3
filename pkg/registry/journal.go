package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crankbird/crank-platform/pkg/log"
)

// EntryKind tags a single journal mutation.
type EntryKind string

const (
	EntryRegistered   EntryKind = "REGISTERED"
	EntryHeartbeat    EntryKind = "HEARTBEAT"
	EntryDeregistered EntryKind = "DEREGISTERED"
)

// Entry is one self-delimited line of the journal file: `{seq, ts, kind,
// payload}`.
type Entry struct {
	Seq     uint64          `json:"seq"`
	TS      time.Time       `json:"ts"`
	Kind    EntryKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// registeredPayload is the Entry.Payload shape for EntryRegistered.
type registeredPayload struct {
	WorkerID     string         `json:"worker_id"`
	WorkerURL    string         `json:"worker_url"`
	Capabilities []Definition   `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// heartbeatPayload is the Entry.Payload shape for EntryHeartbeat.
type heartbeatPayload struct {
	WorkerID string `json:"worker_id"`
}

// deregisteredPayload is the Entry.Payload shape for EntryDeregistered.
type deregisteredPayload struct {
	WorkerID string `json:"worker_id"`
}

// Journal is an append-only sequence of registry mutations, flushed to
// disk before each mutation is acknowledged. It is safe for concurrent
// use; callers needing atomicity across a read-modify-append sequence
// serialize it under their own lock (Registry holds its own mutex around
// each mutation), so Journal.mu only guards the file handle and the
// sequence counter.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
	seq  uint64
}

// OpenJournal opens (creating if absent) the journal file at path for
// appending. The returned Journal's sequence counter starts at zero;
// Replay advances it to the highest sequence number in the file, so
// Replay runs before Append to recover prior state and continue the
// sequence.
func OpenJournal(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	return &Journal{path: path, file: f}, nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Append writes kind/payload as the next journal entry and fsyncs before
// returning, so a successful Append guarantees the entry is durable before
// the caller acknowledges the mutation.
func (j *Journal) Append(kind EntryKind, payload any) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("journal: marshal payload: %w", err)
	}

	j.seq++
	entry := Entry{Seq: j.seq, TS: time.Now().UTC(), Kind: kind, Payload: raw}

	line, err := json.Marshal(entry)
	if err != nil {
		j.seq--
		return Entry{}, fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		j.seq--
		return Entry{}, fmt.Errorf("journal: write: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		j.seq--
		return Entry{}, fmt.Errorf("journal: fsync: %w", err)
	}

	return entry, nil
}

// Replay reads every complete entry from the beginning of the journal and
// invokes apply for each in order. A truncated trailing line is discarded
// with a log message rather than treated as an error. After
// Replay, the Journal's sequence counter continues from the highest
// observed Seq so subsequent Append calls do not collide.
func (j *Journal) Replay(apply func(Entry)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, 0); err != nil {
		return fmt.Errorf("journal: seek: %w", err)
	}

	scanner := bufio.NewScanner(j.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var maxSeq uint64
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			log.WithComponent("registry").Warn().
				Int("line", lineNo).Err(err).
				Msg("discarding unparseable journal line")
			continue
		}
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}
		apply(entry)
	}
	if err := scanner.Err(); err != nil {
		log.WithComponent("registry").Warn().Err(err).
			Msg("journal scan stopped early, discarding truncated trailing entry")
	}

	j.seq = maxSeq

	if _, err := j.file.Seek(0, 2); err != nil {
		return fmt.Errorf("journal: seek to end: %w", err)
	}
	return nil
}
