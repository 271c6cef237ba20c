package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProductIDs(t *testing.T) {
	ids, err := ParseProductIDs(" 12, 14 ,3")
	require.NoError(t, err)
	assert.Equal(t, []int64{12, 14, 3}, ids)

	ids, err = ParseProductIDs("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = ParseProductIDs("12,abc")
	assert.Error(t, err)
	_, err = ParseProductIDs("0")
	assert.Error(t, err)
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), []string{"serve"}, "127.0.0.1:0", &out)
	assert.ErrorIs(t, err, ErrUnknownCommand)

	err = Run(context.Background(), nil, "127.0.0.1:0", &out)
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestRunRejectsBadFlags(t *testing.T) {
	var out bytes.Buffer
	err := Run(context.Background(), []string{"integrity", "-products", "x"}, "127.0.0.1:0", &out)
	assert.Error(t, err)

	err = Run(context.Background(), []string{"cleanup", "-retention", "soon"}, "127.0.0.1:0", &out)
	assert.Error(t, err)
}

func TestIsCommand(t *testing.T) {
	assert.True(t, IsCommand("queue"))
	assert.False(t, IsCommand("QUEUE"))
}
