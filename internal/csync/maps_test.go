package csync

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMap_TakeRemoves(t *testing.T) {
	t.Parallel()

	m := NewMap[string, int]()
	m.Set("a", 1)

	v, ok := m.Take("a")
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 0, m.Len())

	_, ok = m.Take("a")
	require.False(t, ok)
}

func TestMap_SeqIsSnapshot(t *testing.T) {
	t.Parallel()

	m := NewMapFrom(map[string]int{"a": 1, "b": 2})

	seen := 0
	for k := range m.Seq2() {
		// mutating while iterating must not deadlock
		m.Del(k)
		seen++
	}
	require.Equal(t, 2, seen)
	require.Equal(t, 0, m.Len())
}

func TestMap_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMap[string, int]()
	m.Set("x", 3)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	require.JSONEq(t, `{"x":3}`, string(data))

	var out Map[string, int]
	require.NoError(t, json.Unmarshal(data, &out))
	v, ok := out.Get("x")
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestMap_Swap(t *testing.T) {
	t.Parallel()

	m := NewMap[string, int]()
	_, ok := m.Swap("a", 1)
	require.False(t, ok)

	old, ok := m.Swap("a", 2)
	require.True(t, ok)
	require.Equal(t, 1, old)

	v, _ := m.Get("a")
	require.Equal(t, 2, v)
}

func TestMap_UpdateFuncCanDecline(t *testing.T) {
	t.Parallel()

	m := NewMapFrom(map[string]int{"a": 1})

	require.False(t, m.UpdateFunc("a", func(v int) (int, bool) { return 99, false }))
	v, _ := m.Get("a")
	require.Equal(t, 1, v)

	require.True(t, m.UpdateFunc("a", func(v int) (int, bool) { return v + 1, true }))
	v, _ = m.Get("a")
	require.Equal(t, 2, v)

	require.False(t, m.UpdateFunc("missing", func(v int) (int, bool) { return v, true }))
}

func TestMap_TakeFunc(t *testing.T) {
	t.Parallel()

	m := NewMapFrom(map[string]int{"a": 1})

	_, ok := m.TakeFunc("a", func(v int) bool { return v == 2 })
	require.False(t, ok)
	require.Equal(t, 1, m.Len())

	v, ok := m.TakeFunc("a", func(v int) bool { return v == 1 })
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 0, m.Len())
}
