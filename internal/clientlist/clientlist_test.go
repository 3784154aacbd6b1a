package clientlist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdsproject/mds/internal/clientid"
	"github.com/mdsproject/mds/internal/marshal"
)

func TestAddGrowsCapacity(t *testing.T) {
	l := New(0)
	assert.Equal(t, DefaultCapacity, l.Capacity())
	for i := 0; i < DefaultCapacity+1; i++ {
		l.Add(clientid.New(0, uint32(i)))
	}
	assert.Equal(t, DefaultCapacity+1, l.Len())
	assert.Equal(t, DefaultCapacity*2, l.Capacity())
}

func TestRemoveFirstShrinksButFloors(t *testing.T) {
	l := New(0)
	c := clientid.New(0, 1)
	l.Add(c)
	l.RemoveFirst(c)
	assert.Equal(t, 0, l.Len())
	assert.Equal(t, DefaultCapacity, l.Capacity())
}

func TestRemoveFirstOnlyRemovesOneOccurrence(t *testing.T) {
	l := New(0)
	c := clientid.New(0, 1)
	l.Add(c)
	l.Add(c)
	l.RemoveFirst(c)
	assert.Equal(t, 1, l.Len())
}

func TestMarshalRoundTrip(t *testing.T) {
	l := New(0)
	l.Add(clientid.New(1, 2))
	l.Add(clientid.New(3, 4))

	w := marshal.NewWriter(l.MarshalSize())
	l.Marshal(w)

	r := marshal.NewReader(w.Bytes())
	got, err := Unmarshal(r)
	require.NoError(t, err)
	if diff := cmp.Diff(l.Items(), got.Items()); diff != "" {
		t.Errorf("round-tripped client list differs (-want +got):\n%s", diff)
	}
	assert.Equal(t, l.Capacity(), got.Capacity())
}
