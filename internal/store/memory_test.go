package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory()

	require.NoError(t, m.Put("projects/P1", map[string]any{"resultCount": 0}))
	v, err := m.Get("projects/P1/resultCount")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = m.Get("projects/P2")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put("groups/P1/G1", map[string]any{"numberOfTasks": 2}))

	v, err := m.Get("groups/P1/G1")
	require.NoError(t, err)
	v.(map[string]any)["numberOfTasks"] = int64(99)

	again, err := m.Get("groups/P1/G1/numberOfTasks")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again)
}

func TestMemoryDeletePrunesEmptyParents(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put("results/P1/G1/U1", map[string]any{"startTime": 1}))
	require.NoError(t, m.Delete("results/P1/G1/U1"))

	v, err := m.Get("results")
	require.NoError(t, err)
	assert.Nil(t, v, "empty interior nodes must not linger")
}

func TestMemoryWriteBelowScalarReplacesIt(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put("users/U1", "scalar"))
	require.NoError(t, m.Put("users/U1/taskContributionCount", 5))

	v, err := m.Get("users/U1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"taskContributionCount": int64(5)}, v)
}

func TestMemoryUpdateMergesAndDeletes(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put("userGroups/UG1", map[string]any{
		"name":       "Team",
		"archivedBy": "U9",
	}))
	require.NoError(t, m.Update("userGroups/UG1", map[string]any{
		"archivedBy":  nil,
		"description": "mapping crew",
	}))

	v, err := m.Get("userGroups/UG1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"name":        "Team",
		"description": "mapping crew",
	}, v)
}

func TestMemoryTxnReadsCurrentValue(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Put("projects/P1/resultCount", 4))

	err := m.Txn("projects/P1/resultCount", func(cur any) (any, error) {
		n, _ := AsInt(cur)
		return n + 2, nil
	})
	require.NoError(t, err)

	v, err := m.Get("projects/P1/resultCount")
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
}

func TestMemoryTxnAbsentStartsNil(t *testing.T) {
	m := NewMemory()
	err := m.Txn("users/U1/groupContributionCount", func(cur any) (any, error) {
		assert.Nil(t, cur)
		n, _ := AsInt(cur)
		return n + 1, nil
	})
	require.NoError(t, err)

	v, err := m.Get("users/U1/groupContributionCount")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}
