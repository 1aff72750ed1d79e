package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testVerdict struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.journal")

	j, err := Open(path, time.Second)
	require.NoError(t, err)

	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s1", Status: "verified"}))
	require.NoError(t, j.Append(RecordSecurityEvent, map[string]interface{}{"source": "attacker"}))
	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s2", Status: "rejected"}))
	require.NoError(t, j.Close())

	var got []Record
	require.NoError(t, Replay(path, func(rec Record) error {
		got = append(got, rec)
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, uint64(1), got[0].Seq)
	assert.Equal(t, uint64(3), got[2].Seq)
	assert.Equal(t, RecordSecurityEvent, got[1].Type)

	var v testVerdict
	require.NoError(t, json.Unmarshal(got[0].Data, &v))
	assert.Equal(t, "s1", v.SubmissionID)
	assert.Equal(t, "verified", v.Status)
}

func TestSequenceResumesOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.journal")

	j, err := Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s1"}))
	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s2"}))
	require.NoError(t, j.Close())

	j, err = Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s3"}))
	require.NoError(t, j.Close())

	var seqs []uint64
	require.NoError(t, Replay(path, func(rec Record) error {
		seqs = append(seqs, rec.Seq)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestReplayMissingFile(t *testing.T) {
	err := Replay(filepath.Join(t.TempDir(), "nope.journal"), func(Record) error {
		t.Fatal("callback must not run for a missing journal")
		return nil
	})
	assert.NoError(t, err)
}

func TestReplayStopsAtTruncatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.journal")

	j, err := Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s1"}))
	require.NoError(t, j.Close())

	// Simulate a crash mid-write: a partial line at the end.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"verdict","crc`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	count := 0
	require.NoError(t, Replay(path, func(Record) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count, "replay ends silently at the truncated tail")

	// Reopening resumes the sequence from the last intact record.
	j, err = Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s2"}))
	require.NoError(t, j.Close())
}

func TestReplayDetectsCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.journal")

	j, err := Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s1"}))
	require.NoError(t, j.Close())

	// Flip the data field without breaking the JSON framing.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := bytes.Replace(raw, []byte("s1"), []byte("x1"), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = Replay(path, func(Record) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptRecord))
}

func TestAppendAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.journal")

	j, err := Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	assert.ErrorIs(t, j.Append(RecordVerdict, testVerdict{}), ErrClosed)
	assert.NoError(t, j.Close(), "double close is a no-op")
}

func TestFlushMakesRecordsVisible(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.journal")

	j, err := Open(path, time.Hour)
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s1"}))
	require.NoError(t, j.Flush())

	count := 0
	require.NoError(t, Replay(path, func(Record) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestCallbackErrorStopsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.journal")

	j, err := Open(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s1"}))
	require.NoError(t, j.Append(RecordVerdict, testVerdict{SubmissionID: "s2"}))
	require.NoError(t, j.Close())

	stop := errors.New("stop")
	count := 0
	err = Replay(path, func(Record) error {
		count++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, count)
}
