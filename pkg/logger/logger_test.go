package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfoCFWritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, zerolog.DebugLevel)

	InfoCF("relay", "delivered", map[string]interface{}{"endpoint": "store_message"})

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "relay", line["component"])
	assert.Equal(t, "delivered", line["message"])
	assert.Equal(t, "store_message", line["endpoint"])
}

func TestLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, zerolog.InfoLevel)

	DebugC("relay", "hidden")
	assert.Zero(t, buf.Len())

	WarnC("relay", "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestSetupWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wagate.log")
	require.NoError(t, Setup(Options{Level: "debug", File: path}))
	t.Cleanup(func() { _ = Close() })

	InfoC("test", "hello")
	require.NoError(t, Close())
	assert.FileExists(t, path)
}
