package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithOutput_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithOutput("debug", &buf)

	log.WithField("user_id", "U").Debug("claim stage")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "claim stage", entry["message"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "U", entry["user_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	assert.Equal(t, logrus.InfoLevel, New("chatty").GetLevel())
	assert.Equal(t, logrus.WarnLevel, New("warn").GetLevel())
}
