package lifecycle

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusWriterMergesOwnersFields(t *testing.T) {
	w := NewStatusWriter(filepath.Join(t.TempDir(), "status.json"), testLog())

	require.NoError(t, w.SetSupervisor("running", "waiting for dispatch"))
	require.NoError(t, w.SetDispatcher("dispatching", "2026-03-03"))

	doc, err := w.Read()
	require.NoError(t, err)
	assert.Equal(t, "running", doc.SupervisorStatus)
	assert.Equal(t, "waiting for dispatch", doc.SupervisorMessage)
	assert.Equal(t, "dispatching", doc.DispatcherStatus)
	assert.Equal(t, "2026-03-03", doc.TradingDate)
	assert.NotEmpty(t, doc.SupervisorUpdatedAt)
	assert.NotEmpty(t, doc.DispatcherUpdatedAt)

	// The dispatcher update must not erase supervisor fields.
	require.NoError(t, w.SetDispatcher("complete", ""))
	doc, err = w.Read()
	require.NoError(t, err)
	assert.Equal(t, "running", doc.SupervisorStatus)
	assert.Equal(t, "complete", doc.DispatcherStatus)
	assert.Equal(t, "2026-03-03", doc.TradingDate, "empty trading date leaves the old one")
}

func TestStatusWriterStamps(t *testing.T) {
	w := NewStatusWriter(filepath.Join(t.TempDir(), "status.json"), testLog())

	require.NoError(t, w.SetStamp("strategy_open", StampStatus{Kind: "OK", LastRunUTC: "2026-03-03T14:30:00.000Z"}))
	require.NoError(t, w.SetStamp("holdings", StampStatus{Kind: "Failed", Detail: "rc=2"}))

	doc, err := w.Read()
	require.NoError(t, err)
	require.Len(t, doc.Stamps, 2)
	assert.Equal(t, "OK", doc.Stamps["strategy_open"].Kind)
	assert.Equal(t, "Failed", doc.Stamps["holdings"].Kind)
	assert.Equal(t, "rc=2", doc.Stamps["holdings"].Detail)
}

func TestStatusReadMissingFile(t *testing.T) {
	w := NewStatusWriter(filepath.Join(t.TempDir(), "status.json"), testLog())
	doc, err := w.Read()
	require.NoError(t, err)
	assert.Empty(t, doc.SupervisorStatus)
}

func TestCollectHostMetrics(t *testing.T) {
	m := CollectHostMetrics()
	require.NotNil(t, m)
	assert.GreaterOrEqual(t, m.MemUsedPercent, 0.0)
	assert.LessOrEqual(t, m.MemUsedPercent, 100.0)
}
