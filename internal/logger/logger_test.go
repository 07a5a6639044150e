package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	assert.True(t, New("debug", FormatJSON).Core().Enabled(zapcore.DebugLevel))
	assert.False(t, New("warn", FormatConsole).Core().Enabled(zapcore.InfoLevel))
	assert.True(t, New("WARN", FormatConsole).Core().Enabled(zapcore.WarnLevel))
	assert.True(t, New("nonsense", "").Core().Enabled(zapcore.InfoLevel))
	assert.False(t, New("nonsense", "").Core().Enabled(zapcore.DebugLevel))
}

func TestForNil(t *testing.T) {
	l := For(nil, "engine")
	assert.NotNil(t, l)
	l.Infow("dropped", "k", "v")
}
