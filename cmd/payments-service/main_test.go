package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandTree(t *testing.T) {
	root := rootCmd()

	for _, path := range [][]string{{"serve"}, {"worker"}, {"migrate", "up"}, {"migrate", "down"}, {"partitions", "ensure"}} {
		cmd, rest, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Empty(t, rest, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	worker, _, err := root.Find([]string{"worker"})
	require.NoError(t, err)
	assert.NotNil(t, worker.Flags().Lookup("once"))

	ensure, _, err := root.Find([]string{"partitions", "ensure"})
	require.NoError(t, err)
	assert.Equal(t, "3", ensure.Flags().Lookup("months").DefValue)
}
