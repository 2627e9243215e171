package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/fleetlive/core/persistence"
)

func TestBuiltinsRegistered(t *testing.T) {
	assert.Equal(t, []string{"influx", "memory", "sqlite", "timescale"}, persistence.Backends())
	assert.Equal(t, []string{"kafka", "redis"}, persistence.Mirrors())
}
