package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahwlsqja/pbft-bridge/node"
)

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	return root.Execute()
}

func TestInitWritesLoadableHome(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, execute(t, "init", "--home", home, "--chain-id", "bridge-test", "--power", "7"))

	assert.FileExists(t, filepath.Join(home, "consensus", "node_key.json"))

	v := viper.New()
	v.Set("home", home)
	cfg, err := node.LoadConfig(v)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(home, node.GenesisFileName), cfg.Chain)
	assert.Equal(t, "bridge-test", cfg.AppID)
	assert.Equal(t, time.Second, cfg.Consensus.BlockInterval)
	assert.Equal(t, 5*time.Second, cfg.Consensus.RoundTimeout)
	assert.Equal(t, node.DefaultConfig().App, cfg.App)

	genesis, addr, err := node.LoadGenesis(cfg)
	require.NoError(t, err)
	assert.Equal(t, "bridge-test", genesis.ChainID)
	require.Len(t, genesis.Validators, 1)
	assert.Equal(t, addr, genesis.Validators[0].Address)
	assert.Equal(t, uint64(7), genesis.Validators[0].VotingPower)
	assert.Equal(t, cfg.Address, addr.String())
}

func TestInitKeepsExistingFiles(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, execute(t, "init", "--home", home))

	genesisPath := filepath.Join(home, node.GenesisFileName)
	configPath := filepath.Join(home, node.ConfigFileName)
	genesisBefore, err := os.ReadFile(genesisPath)
	require.NoError(t, err)
	configBefore, err := os.ReadFile(configPath)
	require.NoError(t, err)

	require.NoError(t, execute(t, "init", "--home", home, "--chain-id", "other"))

	genesisAfter, err := os.ReadFile(genesisPath)
	require.NoError(t, err)
	configAfter, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, genesisBefore, genesisAfter)
	assert.Equal(t, configBefore, configAfter)
}

func TestStartRejectsInvalidFlags(t *testing.T) {
	home := t.TempDir()

	err := execute(t, "start", "--home", home, "--schema-policy", "ignore")
	assert.ErrorIs(t, err, node.ErrInvalidSchemaPolicy)

	err = execute(t, "start", "--home", home, "--log-level", "loud")
	assert.Error(t, err)
	assert.NoDirExists(t, filepath.Join(home, "consensus"))
}
