package rpki

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandle(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		h, err := NewHandle("child-ca-1")
		require.NoError(t, err)
		assert.Equal(t, Handle("child-ca-1"), h)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := NewHandle("")
		assert.Error(t, err)
	})

	t.Run("too long", func(t *testing.T) {
		_, err := NewHandle(strings.Repeat("a", MaxHandleLen+1))
		assert.Error(t, err)
	})

	t.Run("whitespace rejected", func(t *testing.T) {
		_, err := NewHandle("has space")
		assert.Error(t, err)
	})

	t.Run("non-ascii rejected", func(t *testing.T) {
		_, err := NewHandle("ca-é")
		assert.Error(t, err)
	})
}

func TestHandle_JSONRoundTrip(t *testing.T) {
	h := MustHandle("parent-ca")
	data, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Equal(t, `"parent-ca"`, string(data))

	var out Handle
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, h, out)
}

func TestHandle_UnmarshalRejectsInvalid(t *testing.T) {
	var h Handle
	err := json.Unmarshal([]byte(`""`), &h)
	assert.Error(t, err)
}
