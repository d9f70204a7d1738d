package knowledge

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scoredList(ids ...string) []Scored {
	out := make([]Scored, len(ids))
	for i, id := range ids {
		out[i] = Scored{Entry: Entry{ID: id}, Score: float64(len(ids) - i)}
	}
	return out
}

func TestFuseRRFTopOfBothListsScoresOne(t *testing.T) {
	vector := scoredList("a", "b", "c")
	keyword := scoredList("a", "c", "b")

	fused := FuseRRF(vector, keyword, 5)
	require.NotEmpty(t, fused)
	assert.Equal(t, "a", fused[0].ID)
	assert.InDelta(t, 1.0, fused[0].Score, 1e-9)
}

func TestFuseRRFSingleListCannotClearHitThreshold(t *testing.T) {
	fused := FuseRRF(scoredList("a"), nil, 5)
	require.Len(t, fused, 1)
	assert.InDelta(t, 0.5, fused[0].Score, 1e-9)
	assert.Less(t, fused[0].Score, defaultHitThreshold)
}

func TestFuseRRFCommutative(t *testing.T) {
	vector := scoredList("a", "b", "c", "d")
	keyword := scoredList("d", "c", "b", "a")

	ab := FuseRRF(vector, keyword, 10)
	ba := FuseRRF(keyword, vector, 10)

	require.Equal(t, len(ab), len(ba))
	for i := range ab {
		assert.Equal(t, ab[i].ID, ba[i].ID)
		assert.InDelta(t, ab[i].Score, ba[i].Score, 1e-12)
	}
}

func TestFuseRRFTruncatesToTopK(t *testing.T) {
	var ids []string
	for i := 0; i < 20; i++ {
		ids = append(ids, fmt.Sprintf("id-%02d", i))
	}
	fused := FuseRRF(scoredList(ids...), nil, 5)
	assert.Len(t, fused, 5)
}

func TestFuseRRFDualPresenceOutranksSingle(t *testing.T) {
	vector := scoredList("only-vector", "both")
	keyword := scoredList("both")

	fused := FuseRRF(vector, keyword, 5)
	require.Len(t, fused, 2)
	assert.Equal(t, "both", fused[0].ID)
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	// b and a tie exactly; order falls back to id.
	fused := FuseRRF(scoredList("b"), scoredList("a"), 5)
	require.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ID)
	assert.Equal(t, "b", fused[1].ID)
}
