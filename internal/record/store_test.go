package record

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	return s
}

func TestRecordFillsDefaults(t *testing.T) {
	s := openStore(t)

	rec := &UsageRecord{
		ProviderName: "a", RequestModel: "m",
		InputTokens: 10, OutputTokens: 4,
	}
	require.NoError(t, s.Record(rec))

	assert.False(t, rec.Timestamp.IsZero())
	assert.Equal(t, 14, rec.TotalTokens)
	assert.Equal(t, "success", rec.Status)
}

func TestRecordNil(t *testing.T) {
	s := openStore(t)
	require.Error(t, s.Record(nil))
}

func TestSummaryAggregates(t *testing.T) {
	s := openStore(t)

	require.NoError(t, s.Record(&UsageRecord{ProviderName: "a", RequestModel: "m", InputTokens: 10, OutputTokens: 5, LatencyMs: 100}))
	require.NoError(t, s.Record(&UsageRecord{ProviderName: "a", RequestModel: "m", InputTokens: 20, OutputTokens: 10, LatencyMs: 300}))
	require.NoError(t, s.Record(&UsageRecord{ProviderName: "b", RequestModel: "m", Status: "error", ErrorKind: "timeout"}))

	rows, err := s.Summary(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Ordered by total tokens, heaviest first.
	assert.Equal(t, "a", rows[0].ProviderName)
	assert.Equal(t, int64(2), rows[0].RequestCount)
	assert.Equal(t, int64(30), rows[0].InputTokens)
	assert.Equal(t, int64(15), rows[0].OutputTokens)
	assert.Equal(t, int64(45), rows[0].TotalTokens)
	assert.Equal(t, int64(0), rows[0].ErrorCount)
	assert.InDelta(t, 200, rows[0].AvgLatencyMs, 0.01)

	assert.Equal(t, "b", rows[1].ProviderName)
	assert.Equal(t, int64(1), rows[1].ErrorCount)
}

func TestSummaryTimeWindow(t *testing.T) {
	s := openStore(t)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.Record(&UsageRecord{ProviderName: "a", RequestModel: "m", InputTokens: 1, Timestamp: old}))
	require.NoError(t, s.Record(&UsageRecord{ProviderName: "a", RequestModel: "m", InputTokens: 2}))

	rows, err := s.Summary(time.Now().Add(-time.Hour), time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].RequestCount)
	assert.Equal(t, int64(2), rows[0].InputTokens)
}

func TestDeleteOlderThan(t *testing.T) {
	s := openStore(t)

	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, s.Record(&UsageRecord{ProviderName: "a", RequestModel: "m", Timestamp: old}))
	require.NoError(t, s.Record(&UsageRecord{ProviderName: "a", RequestModel: "m"}))

	deleted, err := s.DeleteOlderThan(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	rows, err := s.Summary(time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].RequestCount)
}
