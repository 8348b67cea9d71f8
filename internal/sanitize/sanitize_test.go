package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalk_StripsAngleBrackets(t *testing.T) {
	clean, err := Walk("<script>alert(1)</script>", 1000)
	require.NoError(t, err)
	assert.Equal(t, "scriptalert(1)/script", clean)
}

func TestWalk_RecursesThroughMapsAndSlices(t *testing.T) {
	v := map[string]interface{}{
		"tags": []interface{}{"<a>", "b"},
		"nested": map[string]interface{}{
			"label": "<b>ok</b>",
		},
	}
	clean, err := Walk(v, 1000)
	require.NoError(t, err)

	m := clean.(map[string]interface{})
	assert.Equal(t, []interface{}{"a", "b"}, m["tags"])
	nested := m["nested"].(map[string]interface{})
	assert.Equal(t, "bok/b", nested["label"])
}

func TestWalk_PassesPrimitivesThrough(t *testing.T) {
	clean, err := Walk(42.0, 1000)
	require.NoError(t, err)
	assert.Equal(t, 42.0, clean)

	clean, err = Walk(true, 1000)
	require.NoError(t, err)
	assert.Equal(t, true, clean)

	clean, err = Walk(nil, 1000)
	require.NoError(t, err)
	assert.Nil(t, clean)
}

func TestWalk_RejectsOversizedValue(t *testing.T) {
	big := strings.Repeat("x", 100)
	_, err := Walk(big, 16)
	require.Error(t, err)

	var tooLarge *ErrTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, 16, tooLarge.Cap)
	assert.Greater(t, tooLarge.Bytes, 16)
}

func TestWalk_LeavesCleanStringsUntouched(t *testing.T) {
	clean, err := Walk("no markup here", 1000)
	require.NoError(t, err)
	assert.Equal(t, "no markup here", clean)
}

func TestSize_ReportsSerializedByteLength(t *testing.T) {
	assert.Equal(t, len(`"abc"`), Size("abc"))
}

func TestSize_ReturnsNegativeOneOnMarshalFailure(t *testing.T) {
	cyclic := make(map[string]interface{})
	cyclic["self"] = cyclic
	assert.Equal(t, -1, Size(cyclic))
}
