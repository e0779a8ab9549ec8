package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueOrFallsBackOnEmpty(t *testing.T) {
	assert.Equal(t, "unknown", valueOr("", "unknown"))
	assert.Equal(t, "v1.2.3", valueOr("v1.2.3", "unknown"))
}

func TestNewCommandRuns(t *testing.T) {
	cmd := NewCommand()
	cmd.SetArgs([]string{})
	assert.NoError(t, cmd.Execute())
}
