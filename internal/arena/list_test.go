package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func traverse(l *List[string]) []string {
	var out []string
	for n := l.Next(Sentinel); n != Sentinel; n = l.Next(n) {
		out = append(out, l.Value(n))
	}
	return out
}

func TestInsertAfterOrdersForward(t *testing.T) {
	l := New(0)
	a := l.InsertAfter(Sentinel, "a")
	l.InsertAfter(a, "b")
	l.InsertAfter(Sentinel, "c")
	assert.Equal(t, []string{"c", "a", "b"}, traverse(l))
	assert.Equal(t, 3, l.Len())
}

func TestRemoveReusesSlot(t *testing.T) {
	l := New(0)
	a := l.InsertAfter(Sentinel, "a")
	l.Remove(a)
	assert.Equal(t, 0, l.Len())
	b := l.InsertAfter(Sentinel, "b")
	assert.Equal(t, a, b, "freed slot should be reused")
}

func TestGrowBeyondInitialCapacity(t *testing.T) {
	l := New(2)
	for i := 0; i < 10; i++ {
		l.InsertAfter(Sentinel, "x")
	}
	assert.Equal(t, 10, l.Len())
}

func TestPackCompactsAndInvalidatesFloor(t *testing.T) {
	l := New(0)
	var kept []int
	for i := 0; i < 5; i++ {
		kept = append(kept, l.InsertAfter(Sentinel, "v"))
	}
	l.Remove(kept[0])
	l.Remove(kept[1])
	l.Pack()
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 3, len(traverse(l)))
}
