package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"charge_point/config"
)

func TestInitLogger(t *testing.T) {
	file := filepath.Join(t.TempDir(), "cp.log")
	log := InitLogger(config.LoggingConfig{
		Level:  "debug",
		Format: "json",
		File:   config.LumberjackConfig{Filename: file, MaxSizeMB: 1},
	})

	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	log.WithField("connector", 1).Info("status changed")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"connector":1`)
	assert.Contains(t, string(data), `"msg":"status changed"`)
}

func TestInitLoggerFallsBackToInfo(t *testing.T) {
	log := InitLogger(config.LoggingConfig{Level: "chatty"})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}
