package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLevelFor(t *testing.T) {
	assert.Equal(t, zerolog.TraceLevel, LevelFor("dev", false, false, false))
	assert.Equal(t, zerolog.TraceLevel, LevelFor("TEST", false, false, false))
	assert.Equal(t, zerolog.InfoLevel, LevelFor("prod", false, false, false))
	assert.Equal(t, zerolog.InfoLevel, LevelFor("staging", false, false, false))
	assert.Equal(t, zerolog.DebugLevel, LevelFor("prod", true, true, false))
	assert.Equal(t, zerolog.InfoLevel, LevelFor("dev", false, false, true))
}
