package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(traceID string, startedAt time.Time, timeout time.Duration) *Record {
	rec := &Record{TraceID: traceID, StartedAt: startedAt}
	rec.touch(startedAt, timeout)
	return rec
}

func TestExecutionTableInsertLookup(t *testing.T) {
	table := NewExecutionTable()
	rec := newRecord("T1", testNow, time.Minute)

	require.NoError(t, table.Insert(rec))
	assert.Same(t, rec, table.Lookup("T1"))
	assert.Nil(t, table.Lookup("T2"))

	err := table.Insert(newRecord("T1", testNow, time.Minute))
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Same(t, rec, table.Lookup("T1"), "live record must not be replaced")
	assert.Equal(t, 1, table.Len())
}

func TestExecutionTableRemoveOnce(t *testing.T) {
	table := NewExecutionTable()
	rec := newRecord("T1", testNow, time.Minute)
	require.NoError(t, table.Insert(rec))

	var wg sync.WaitGroup
	var mu sync.Mutex
	removed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if table.RemoveOnce(rec) {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, table.Len())
}

func TestExecutionTableRemoveOnceChecksIdentity(t *testing.T) {
	table := NewExecutionTable()
	old := newRecord("T1", testNow, time.Minute)
	require.NoError(t, table.Insert(old))
	require.True(t, table.RemoveOnce(old))

	replacement := newRecord("T1", testNow, time.Minute)
	require.NoError(t, table.Insert(replacement))

	assert.False(t, table.RemoveOnce(old))
	assert.Same(t, replacement, table.Lookup("T1"))
}

func TestExecutionTableExpired(t *testing.T) {
	table := NewExecutionTable()
	require.NoError(t, table.Insert(newRecord("late", testNow.Add(2*time.Second), time.Minute)))
	require.NoError(t, table.Insert(newRecord("early", testNow, time.Minute)))
	require.NoError(t, table.Insert(newRecord("fresh", testNow.Add(time.Hour), time.Minute)))
	require.NoError(t, table.Insert(newRecord("forever", testNow, 0)))

	closed := newRecord("closed", testNow, time.Minute)
	closed.closed = true
	require.NoError(t, table.Insert(closed))

	expired := table.Expired(testNow.Add(10 * time.Minute))

	require.Len(t, expired, 2)
	assert.Equal(t, "early", expired[0].TraceID)
	assert.Equal(t, "late", expired[1].TraceID)
	assert.Equal(t, []string{"closed", "early", "forever", "fresh", "late"}, table.TraceIDs())
}
