package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want BuildStatus
	}{
		{"new", StatusNew},
		{"running", StatusRunning},
		{"Success", StatusSuccess},
		{" failed ", StatusFailed},
		{"skipped", StatusSkipped},
	}
	for _, tt := range tests {
		got, err := ParseBuildStatus(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseBuildStatus("exploded")
	assert.Error(t, err)
}

func TestBuildStatus_IsFinished(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusSuccess.IsFinished())
	assert.True(t, StatusFailed.IsFinished())
	assert.False(t, StatusNew.IsFinished())
	assert.False(t, StatusRunning.IsFinished())
	assert.False(t, StatusSkipped.IsFinished())

	var nilBuild *Build
	assert.False(t, nilBuild.IsFinished())
}

func TestBuild_JSONStatus(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Build{ID: 7, Status: StatusSkipped})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"skipped"`)

	var b Build
	require.Error(t, json.Unmarshal([]byte(`{"status":"paused"}`), &b))

	_, err = json.Marshal(Build{Status: BuildStatus(42)})
	assert.Error(t, err)
	assert.Equal(t, "unknown(42)", BuildStatus(42).String())
}
