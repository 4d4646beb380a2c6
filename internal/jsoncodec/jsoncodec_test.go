package jsoncodec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Message  string          `json:"message"`
	ThreadID string          `json:"thread_id"`
	Object   json.RawMessage `json:"Object,omitempty"`
}

func TestMarshalMatchesEncodingJSON(t *testing.T) {
	in := sample{Message: "hi <there>", ThreadID: "t-1", Object: json.RawMessage(`{"a":1}`)}

	got, err := Marshal(in)
	require.NoError(t, err)
	want, err := json.Marshal(in)
	require.NoError(t, err)

	assert.JSONEq(t, string(want), string(got))
}

func TestUnmarshal(t *testing.T) {
	var out sample
	require.NoError(t, Unmarshal([]byte(`{"message":"m","thread_id":"7","Object":[1,2]}`), &out))

	assert.Equal(t, "m", out.Message)
	assert.Equal(t, "7", out.ThreadID)
	assert.JSONEq(t, `[1,2]`, string(out.Object))

	assert.Error(t, Unmarshal([]byte(`{"message":`), &out))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid([]byte(`{"a":1}`)))
	assert.True(t, Valid([]byte(`"text"`)))
	assert.False(t, Valid([]byte(`not json`)))
	assert.False(t, Valid(nil))
}
