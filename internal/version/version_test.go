package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	old := []string{Version, GitSHA, BuildTime}
	t.Cleanup(func() { Version, GitSHA, BuildTime = old[0], old[1], old[2] })

	Version, GitSHA, BuildTime = "0.3.0", "abc1234", "2026-10-01T00:00:00Z"
	assert.Equal(t, "0.3.0 (abc1234, built 2026-10-01T00:00:00Z)", String())
}
