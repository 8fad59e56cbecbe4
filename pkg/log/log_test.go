package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChildLoggerChaining(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithComponent("provision").Info().Str("claim_id", "c1").Msg("volume bound")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "provision", line["component"])
	assert.Equal(t, "c1", line["claim_id"])
	assert.Equal(t, "volume bound", line["message"])
}

func TestEntityHelpers(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	WithVolumeID("v1").Warn().Msg("slow backend")
	WithSnapshotID("s1").Error().Msg("readiness poll failed")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "v1", first["volume_id"])
	assert.Equal(t, "warn", first["level"])
	assert.Equal(t, "s1", second["snapshot_id"])
	assert.Equal(t, "error", second["level"])
}

func TestInitLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: ErrorLevel, JSONOutput: true, Output: &buf})

	WithComponent("reconciler").Debug().Msg("suppressed")
	assert.Zero(t, buf.Len())
}
