package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	good := Message{ID: "m_1", Content: "hi", Author: Author{ID: 7, Username: "alice"}}
	assert.NoError(t, good.Validate())

	assert.Error(t, Message{Content: "hi", Author: Author{ID: 7}}.Validate())
	assert.Error(t, Message{ID: "m_1", Content: "hi"}.Validate())
	assert.Error(t, Message{ID: "m_1", Author: Author{ID: 7}}.Validate())
}

func TestIsTemp(t *testing.T) {
	assert.True(t, Message{ID: "temp_1712345"}.IsTemp())
	assert.False(t, Message{ID: "m_12"}.IsTemp())
}

func TestFrameRoundTrip(t *testing.T) {
	frame, err := NewFrame(EventSendMessage, SendRequest{ChatID: 1, Content: "yo", TempID: "temp_1"})
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	var decoded Frame
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, EventSendMessage, decoded.Event)

	var req SendRequest
	require.NoError(t, json.Unmarshal(decoded.Data, &req))
	assert.Equal(t, "temp_1", req.TempID)
}
