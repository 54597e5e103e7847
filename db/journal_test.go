package db

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/relayboard/internal/model"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_Commands(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	j.RecordCommand(base, 1, model.StateOn, 0, nil)
	j.RecordCommand(base.Add(time.Second), 2, model.StateOff, 1, errors.New("wire unplugged"))

	cmds, err := j.RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, cmds, 2)

	assert.Equal(t, 2, cmds[0].Relay)
	assert.Equal(t, model.StateOff, cmds[0].State)
	assert.Equal(t, "wire unplugged", cmds[0].Error)
	assert.True(t, base.Add(time.Second).Equal(cmds[0].At))

	assert.Equal(t, 1, cmds[1].Relay)
	assert.Empty(t, cmds[1].Error)

	limited, err := j.RecentCommands(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestJournal_StateChanges(t *testing.T) {
	j := openTestJournal(t)
	now := time.Now()

	j.RecordStateChange(now, 1, model.StateOn, "command")
	j.RecordStateChange(now, 3, model.StateOff, "status")
	j.RecordStateChange(now, 1, model.StateOff, "ack")

	all, err := j.RecentStateChanges(0, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	relay1, err := j.RecentStateChanges(1, 10)
	require.NoError(t, err)
	require.Len(t, relay1, 2)
	assert.Equal(t, model.StateOff, relay1[0].State)
	assert.Equal(t, "ack", relay1[0].Source)
	assert.Equal(t, "command", relay1[1].Source)
}

func TestJournal_Prune(t *testing.T) {
	j := openTestJournal(t)
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	j.RecordCommand(old, 1, model.StateOn, 0, nil)
	j.RecordStateChange(old, 1, model.StateOn, "command")
	j.RecordCommand(recent, 1, model.StateOff, 1, nil)

	n, err := j.Prune(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	cmds, err := j.RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.StateOff, cmds[0].State)
}

func TestJournal_ConcurrentRecordersThenFlush(t *testing.T) {
	j := openTestJournal(t)

	var wg sync.WaitGroup
	for relay := 1; relay <= 4; relay++ {
		wg.Add(1)
		go func(relay int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				j.RecordStateChange(time.Now(), relay, model.StateOn, "command")
			}
		}(relay)
	}
	wg.Wait()

	j.Flush()
	all, err := j.RecentStateChanges(0, 100)
	require.NoError(t, err)
	assert.Len(t, all, 40)
}

func TestJournal_FullQueueDrops(t *testing.T) {
	j := openTestJournal(t)

	started := make(chan struct{})
	gate := make(chan struct{})
	require.True(t, j.enqueue(func() {
		close(started)
		<-gate
	}))
	<-started

	for i := 0; i < queueSize+5; i++ {
		j.RecordCommand(time.Now(), 1, model.StateOn, byte(i), nil)
	}
	close(gate)

	cmds, err := j.RecentCommands(1000)
	require.NoError(t, err)
	assert.Len(t, cmds, queueSize)
}

func TestJournal_RecordAfterClose(t *testing.T) {
	j, err := Open(":memory:")
	require.NoError(t, err)
	j.RecordCommand(time.Now(), 1, model.StateOn, 0, nil)
	require.NoError(t, j.Close())

	assert.NotPanics(t, func() {
		j.RecordCommand(time.Now(), 1, model.StateOff, 1, nil)
		j.RecordStateChange(time.Now(), 1, model.StateOff, "command")
		j.Flush()
	})
	assert.NoError(t, j.Close())
}

func TestPrintHistoryCLI(t *testing.T) {
	path := t.TempDir() + "/journal.db"
	j, err := Open(path)
	require.NoError(t, err)
	j.RecordCommand(time.Now(), 2, model.StateOn, 7, nil)
	j.RecordStateChange(time.Now(), 2, model.StateOn, "command")
	require.NoError(t, j.Close())

	var buf bytes.Buffer
	require.NoError(t, PrintHistoryCLI(&buf, path, 0, 5))
	out := buf.String()
	assert.Contains(t, out, "relay 2 -> on")
	assert.Contains(t, out, "seq   7")
	assert.Contains(t, out, "(command)")
}
