package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalAppendAssignsMonotonicSequenceNumbers(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "registry.jsonl"))
	require.NoError(t, err)
	defer j.Close()

	e1, err := j.Append(EntryRegistered, registeredPayload{WorkerID: "w1", WorkerURL: "https://w1:8443"})
	require.NoError(t, err)
	e2, err := j.Append(EntryHeartbeat, heartbeatPayload{WorkerID: "w1"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
}

func TestJournalReplayDiscardsTruncatedTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	j1, err := OpenJournal(path)
	require.NoError(t, err)
	_, err = j1.Append(EntryRegistered, registeredPayload{WorkerID: "w1", WorkerURL: "https://w1:8443"})
	require.NoError(t, err)
	_, err = j1.Append(EntryRegistered, registeredPayload{WorkerID: "w2", WorkerURL: "https://w2:8443"})
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	// Simulate a crash mid-write: a partial JSON object with no newline.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"ts":"2026-0`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	defer j2.Close()

	var kinds []EntryKind
	var workers []string
	require.NoError(t, j2.Replay(func(e Entry) {
		kinds = append(kinds, e.Kind)
		var p registeredPayload
		if e.Kind == EntryRegistered && json.Unmarshal(e.Payload, &p) == nil {
			workers = append(workers, p.WorkerID)
		}
	}))

	assert.Equal(t, []EntryKind{EntryRegistered, EntryRegistered}, kinds)
	assert.Equal(t, []string{"w1", "w2"}, workers)
}

func TestJournalSequenceContinuesAfterReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	j1, err := OpenJournal(path)
	require.NoError(t, err)
	_, err = j1.Append(EntryRegistered, registeredPayload{WorkerID: "w1", WorkerURL: "https://w1:8443"})
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	defer j2.Close()
	require.NoError(t, j2.Replay(func(Entry) {}))

	e, err := j2.Append(EntryHeartbeat, heartbeatPayload{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Seq)
}

func TestJournalReplaySkipsStrayEntriesWithoutRegistration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.jsonl")

	j1, err := OpenJournal(path)
	require.NoError(t, err)
	_, err = j1.Append(EntryHeartbeat, heartbeatPayload{WorkerID: "ghost"})
	require.NoError(t, err)
	_, err = j1.Append(EntryDeregistered, deregisteredPayload{WorkerID: "ghost"})
	require.NoError(t, err)
	require.NoError(t, j1.Close())

	j2, err := OpenJournal(path)
	require.NoError(t, err)
	r, err := New(j2)
	require.NoError(t, err)
	defer r.Close()

	assert.Empty(t, r.GetAllWorkers())
}

func TestJournalEntryTimestampsAreUTC(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "registry.jsonl"))
	require.NoError(t, err)
	defer j.Close()

	e, err := j.Append(EntryRegistered, registeredPayload{WorkerID: "w1", WorkerURL: "https://w1:8443"})
	require.NoError(t, err)
	assert.Equal(t, time.UTC, e.TS.Location())
}
