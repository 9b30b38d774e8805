package histogram

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddAndGet(t *testing.T) {
	h := New[int]()
	h.Add(1)
	h.Add(1)
	h.AddN(2, 5)

	require.Equal(t, 2, h.Get(1))
	require.Equal(t, 5, h.Get(2))
	require.Equal(t, 0, h.Get(3))
	require.Equal(t, 7, h.Total())
}

func TestMergeIsCommutativeAndAssociative(t *testing.T) {
	a := New[string]()
	a.Add("x")
	a.AddN("y", 3)

	b := New[string]()
	b.AddN("y", 2)
	b.Add("z")

	c := New[string]()
	c.Add("x")

	ab := New[string]()
	ab.Merge(a)
	ab.Merge(b)
	ab.Merge(c)

	ba := New[string]()
	ba.Merge(c)
	ba.Merge(b)
	ba.Merge(a)

	require.Equal(t, ab.Get("x"), ba.Get("x"))
	require.Equal(t, ab.Get("y"), ba.Get("y"))
	require.Equal(t, ab.Get("z"), ba.Get("z"))
	require.Equal(t, 2, ab.Get("x"))
	require.Equal(t, 5, ab.Get("y"))
	require.Equal(t, 1, ab.Get("z"))
}

func TestSortedKeys(t *testing.T) {
	h := New[int]()
	h.Add(3)
	h.Add(1)
	h.Add(2)

	keys := h.SortedKeys(func(a, b int) bool { return a < b })
	require.Equal(t, []int{1, 2, 3}, keys)
}

func TestAbbreviateMessage(t *testing.T) {
	require.Equal(t, "short", AbbreviateMessage("short", 20))
	require.Equal(t, "exactlyten", AbbreviateMessage("exactlyten", 10))

	abbrev := AbbreviateMessage("this message is definitely too long", 10)
	require.Len(t, []rune(abbrev), 11)
	require.Equal(t, "this messa…", abbrev)

	// spec's user-abort scenario 4: first 20 characters, verbatim, plus
	// the ellipsis.
	require.Equal(t, "item_not_found_in_st…", AbbreviateMessage("item_not_found_in_stock", 20))
}

func TestAbbreviateMessageDegenerateMaxLen(t *testing.T) {
	require.Equal(t, "a", AbbreviateMessage("abcdef", 1))
}
