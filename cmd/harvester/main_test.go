package main

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asinwatch/harvester/internal/config"
	"github.com/asinwatch/harvester/internal/types"
)

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	defer func() { os.Stdout = old }()

	runErr := configCmd().RunE(nil, nil)
	require.NoError(t, w.Close())
	os.Stdout = old

	buf, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, runErr)

	out := string(buf)
	assert.Contains(t, out, "Region:             us")
	assert.Contains(t, out, "Mirror:             false")
	// A verb/type mismatch would leave a %! marker in the output.
	assert.NotContains(t, out, "%!")
}

func TestStrategiesForSelectsChannels(t *testing.T) {
	rt := &runtime{cfg: config.DefaultConfig()}

	strats, err := rt.strategiesFor(nil)
	require.NoError(t, err)
	assert.Len(t, strats, len(types.AllChannels()))

	strats, err = rt.strategiesFor([]string{"Best_Sellers"})
	require.NoError(t, err)
	require.Len(t, strats, 1)
	assert.Equal(t, types.ChannelBestSellers, strats[0].Channel())
}

func TestStrategiesForRejectsUnknownChannel(t *testing.T) {
	rt := &runtime{cfg: config.DefaultConfig()}

	_, err := rt.strategiesFor([]string{"marketplace"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown channel "marketplace"`)
	assert.Contains(t, err.Error(), string(types.ChannelOutlet))
}
