package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("vu", 3).Debug("spawned")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "spawned", entry["msg"])
	assert.Equal(t, float64(3), entry["vu"])
}

func TestNew_Defaults(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Config{Output: &buf})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger.Info("hidden")
	assert.Empty(t, buf.String())
	logger.Warn("shown")
	assert.Contains(t, buf.String(), "msg=shown")
}

func TestNew_Invalid(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, err = New(Config{Format: "xml"})
	assert.Error(t, err)
}
