package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "jobflow/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		j, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, j)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestJournalDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "jobflow.db")
			j, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = j.Close() })

			ctx := context.Background()
			require.NoError(t, j.Append(ctx, Entry{At: time.Now(), Channel: "email", JobID: "1", JobName: "email", Status: StatusCompleted, Attempts: 1, Dispatched: 1}))
			require.NoError(t, j.Append(ctx, Entry{At: time.Now(), Channel: "discount-offer", JobID: "2", JobName: "discount-offer", Status: StatusFailed, Attempts: 1, Error: "smtp down"}))
			require.NoError(t, j.Append(ctx, Entry{At: time.Now(), Channel: "email", JobID: "3", JobName: "email", Status: StatusCompleted, Attempts: 2}))

			all, err := j.Recent(ctx, "", 10)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "3", all[0].JobID)

			email, err := j.Recent(ctx, "email", 1)
			require.NoError(t, err)
			require.Len(t, email, 1)
			assert.Equal(t, "3", email[0].JobID)
			assert.Equal(t, 2, email[0].Attempts)

			failed, err := j.Recent(ctx, "discount-offer", 10)
			require.NoError(t, err)
			require.Len(t, failed, 1)
			assert.Equal(t, "smtp down", failed[0].Error)
		})
	}
}

func TestFileJournalReplaysOnOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.json")
	j, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, j.Append(context.Background(), Entry{Channel: "email", JobID: "a", Status: StatusCompleted}))
	require.NoError(t, j.Close())

	j, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer j.Close()
	got, err := j.Recent(context.Background(), "email", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].JobID)
}
