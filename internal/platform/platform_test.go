package platform

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollect(t *testing.T) {
	info := Collect()
	assert.Equal(t, runtime.GOOS, info.OS)
	assert.Equal(t, runtime.GOARCH, info.Arch)
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Hypervisor)
	if !info.Virtualized {
		assert.Equal(t, "none", info.Hypervisor)
	}
}

func TestCollectIsCached(t *testing.T) {
	assert.Equal(t, Collect(), Collect())
}
