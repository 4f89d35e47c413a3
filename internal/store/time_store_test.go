package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlashq/dispatch/internal/task"
)

func TestTimeEntriesAreAdditive(t *testing.T) {
	s := newStore(t)
	p := mkProject(t, s)
	tk := mkTask(t, s, p.ID, nil)
	agentID := "agent-a"

	now := time.Now().UTC()
	for i, minutes := range []int{30, 45, 0} {
		ended := now.Add(time.Duration(i) * time.Minute)
		e := &task.TimeEntry{
			TaskID:          tk.ID,
			AgentID:         &agentID,
			EntryType:       task.EntryWork,
			StartedAt:       ended.Add(-time.Duration(minutes) * time.Minute),
			EndedAt:         &ended,
			DurationMinutes: minutes,
		}
		require.NoError(t, s.CreateTimeEntry(e))
		assert.NotEmpty(t, e.ID)
	}

	entries, err := s.ListTimeEntries(tk.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	total, err := s.SumTaskMinutes(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 75, total)
}

func TestSumTaskMinutesEmpty(t *testing.T) {
	s := newStore(t)
	p := mkProject(t, s)
	tk := mkTask(t, s, p.ID, nil)

	total, err := s.SumTaskMinutes(tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	entries, err := s.ListTimeEntries(tk.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTimeEntryMetadataRoundTrip(t *testing.T) {
	s := newStore(t)
	p := mkProject(t, s)
	tk := mkTask(t, s, p.ID, nil)

	e := &task.TimeEntry{
		TaskID:        tk.ID,
		EntryType:     task.EntryBlocked,
		StartedAt:     time.Now().UTC(),
		Notes:         "waiting on client credentials",
		FilesModified: []string{"infra/secrets.tf"},
		Metadata:      map[string]any{"blocking_party": "client"},
	}
	require.NoError(t, s.CreateTimeEntry(e))

	entries, err := s.ListTimeEntries(tk.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, task.EntryBlocked, got.EntryType)
	assert.Equal(t, []string{"infra/secrets.tf"}, got.FilesModified)
	assert.Equal(t, "client", got.Metadata["blocking_party"])
	assert.Nil(t, got.AgentID)
}
