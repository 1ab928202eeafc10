package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestInit_SetsLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	Init("debug")
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	Init(" WARN ")
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	Init("chatty")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	Init("")
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
}
