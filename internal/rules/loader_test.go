package rules

import (
	"os"
	"path/filepath"
	"testing"

	"sdn-guard/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRulesByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "ids.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
rules:
  - name: syn_flood
    enabled: true
    severity: CRITICAL
    thresholds:
      count: 10
      trigger: level
`), 0644))

	loaded, err := LoadRules(yamlPath)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "syn_flood", loaded[0].Name)
	assert.Equal(t, 10, loaded[0].Thresholds["count"])
	assert.Equal(t, "level", loaded[0].Thresholds["trigger"])

	jsonPath := filepath.Join(dir, "ids.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"rules":[{"name":"port_scan","enabled":false}]}`), 0644))
	loaded, err = LoadRules(jsonPath)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.False(t, loaded[0].Enabled)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
	_, err = LoadRules("")
	assert.Error(t, err)
}

func TestMergeRules(t *testing.T) {
	base := []model.Rule{
		{Name: "syn_flood", Enabled: true, Severity: model.SeverityHigh},
		{Name: "port_scan", Enabled: true},
	}
	overrides := []model.Rule{
		{Name: "port_scan", Enabled: false},
		{Name: "packet_in_surge", Enabled: true},
	}

	merged := MergeRules(base, overrides)
	require.Len(t, merged, 3)
	assert.True(t, merged[0].Enabled)
	assert.False(t, merged[1].Enabled)
	assert.Equal(t, "packet_in_surge", merged[2].Name)
	assert.True(t, base[1].Enabled, "base is not modified")
}
