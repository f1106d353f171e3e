package buildinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_Defaults(t *testing.T) {
	p := Get()
	assert.Equal(t, "dev", p.Version)
	assert.Equal(t, "dev", Version())
	assert.Equal(t, "goingest dev (commit unknown, built unknown)", p.String())
}
