package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestLevelForVerbosity(t *testing.T) {
	assert.Equal(t, log.WarnLevel, LevelForVerbosity(0))
	assert.Equal(t, log.InfoLevel, LevelForVerbosity(1))
	assert.Equal(t, log.DebugLevel, LevelForVerbosity(2))
	assert.Equal(t, log.DebugLevel, LevelForVerbosity(5))
}

func TestSetupSetsLevel(t *testing.T) {
	prev := log.GetLevel()
	defer log.SetLevel(prev)

	Setup(1)
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}
