package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDownloadSizeClampsUnknownLength(t *testing.T) {
	assert.EqualValues(t, 0, downloadSize(-1), "chunked responses report -1")
	assert.EqualValues(t, 0, downloadSize(0))
	assert.EqualValues(t, 2048, downloadSize(2048))
}
