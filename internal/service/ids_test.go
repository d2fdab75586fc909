package service

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var batchIDPattern = regexp.MustCompile(`^batch_\d+_[0-9a-z]{9}$`)

func TestNewBatchID(t *testing.T) {
	now := time.UnixMilli(1718000000123)

	id, err := NewBatchID(now)
	require.NoError(t, err)
	assert.Regexp(t, batchIDPattern, id)
	assert.True(t, strings.HasPrefix(id, "batch_1718000000123_"))

	other, err := NewBatchID(now)
	require.NoError(t, err)
	assert.NotEqual(t, id, other)

	started, err := ParseBatchStart(id)
	require.NoError(t, err)
	assert.True(t, now.Equal(started))
}

func TestParseBatchStartRejectsMalformed(t *testing.T) {
	for _, id := range []string{"", "batch", "job_1_abc", "batch_x_abc", "batch_1_2_3"} {
		_, err := ParseBatchStart(id)
		assert.Error(t, err, id)
	}
}

func TestNewUsername(t *testing.T) {
	name, err := NewUsername("user", 8)
	require.NoError(t, err)
	assert.Regexp(t, `^user[0-9a-z]{8}$`, name)

	name, err = NewUsername("", 0)
	require.NoError(t, err)
	assert.Len(t, name, 6)
}
