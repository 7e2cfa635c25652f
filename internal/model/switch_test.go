package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchStateJSON(t *testing.T) {
	data, err := json.Marshal(Switch{DatapathID: 1, State: SwitchActive})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"ACTIVE"`)

	var sw Switch
	require.NoError(t, json.Unmarshal(data, &sw))
	assert.Equal(t, SwitchActive, sw.State)

	assert.Error(t, json.Unmarshal([]byte(`{"state":"BOOTING"}`), &sw))
}
