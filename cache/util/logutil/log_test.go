package logutil

import (
	"os"
	"testing"

	"github.com/pingcap/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerLevelFromEnv(t *testing.T) {
	prev, had := os.LookupEnv("LOG_LEVEL")
	defer func() {
		if had {
			os.Setenv("LOG_LEVEL", prev)
		} else {
			os.Unsetenv("LOG_LEVEL")
		}
	}()
	os.Setenv("LOG_LEVEL", "WARN")

	cfg := &log.Config{}
	require.NoError(t, InitLogger(cfg))
	assert.Equal(t, "warn", cfg.Level)
	assert.False(t, log.L().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.L().Core().Enabled(zapcore.WarnLevel))

	cfg = &log.Config{Level: "info"}
	require.NoError(t, InitLogger(cfg))
	assert.True(t, log.L().Core().Enabled(zapcore.InfoLevel))
}
