// Package main provides the entry point for the bridge daemon.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cmtos "github.com/cometbft/cometbft/libs/os"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ahwlsqja/pbft-bridge/crypto"
	"github.com/ahwlsqja/pbft-bridge/node"
	"github.com/ahwlsqja/pbft-bridge/types"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "bridged",
		Short:         "BFT consensus bridged to an ABCI execution layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("home", node.DefaultConfig().Home, "node home directory")
	_ = v.BindPFlag("home", root.PersistentFlags().Lookup("home"))

	root.AddCommand(newInitCmd(v), newStartCmd(v))
	return root
}

// ================================================================================
//                          init
// ================================================================================

func newInitCmd(v *viper.Viper) *cobra.Command {
	var (
		chainID string
		power   uint64
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write config.toml, genesis.json and the node key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			home := v.GetString("home")
			cfg := node.DefaultConfig()
			cfg.Home = home

			if err := cmtos.EnsureDir(cfg.ConsensusHome(), 0o700); err != nil {
				return fmt.Errorf("failed to create home: %w", err)
			}
			signer, err := crypto.LoadOrGenNodeKey(filepath.Join(cfg.ConsensusHome(), "node_key.json"))
			if err != nil {
				return err
			}

			genesisPath := filepath.Join(home, node.GenesisFileName)
			if cmtos.FileExists(genesisPath) {
				cmd.Printf("Found genesis file %s\n", genesisPath)
			} else {
				genesis := types.NewGenesis(chainID).WithValidators([]types.ValidatorInfo{
					types.NewValidatorInfo(signer.Address(), power, signer.PubKey()),
				})
				if err := genesis.Validate(); err != nil {
					return err
				}
				if err := genesis.ToDoc(time.Now().UTC()).SaveAs(genesisPath); err != nil {
					return fmt.Errorf("failed to write genesis: %w", err)
				}
				cmd.Printf("Generated genesis file %s\n", genesisPath)
			}

			configPath := filepath.Join(home, node.ConfigFileName)
			if cmtos.FileExists(configPath) {
				cmd.Printf("Found config file %s\n", configPath)
				return nil
			}
			out := viper.New()
			node.SetDefaults(out)
			out.Set("home", home)
			out.Set("chain", genesisPath)
			out.Set("address", signer.Address().String())
			out.Set("app_id", chainID)
			if err := out.WriteConfigAs(configPath); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			cmd.Printf("Generated config file %s (validator %s)\n", configPath, signer.Address())
			return nil
		},
	}
	cmd.Flags().StringVar(&chainID, "chain-id", "bridge-1", "chain id of the generated genesis")
	cmd.Flags().Uint64Var(&power, "power", 10, "voting power of the local validator")
	return cmd
}

// ================================================================================
//                          start
// ================================================================================

func newStartCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := node.LoadConfig(v)
			if err != nil {
				return err
			}
			logger, err := node.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := node.Run(ctx, cfg, logger); err != nil {
				logger.Error("Node exited with error", "err", err)
				return err
			}
			logger.Info("Node stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.String("chain", node.DevChain, `"dev" or a genesis.json path`)
	f.String("node-id", "", "node identifier")
	f.String("address", "", "local validator address (hex)")
	f.String("listen", "", "gossip listen address")
	f.StringSlice("peers", nil, "peers as id@host:port")
	f.String("abci", "", "remote ABCI app address; empty runs the in-process app")
	f.String("db-backend", "", "execution db backend (goleveldb, memdb)")
	f.String("schema-policy", "", "consensus table bootstrap failure policy (warn, fail)")
	f.String("metrics-addr", "", "metrics/status listen address")
	f.String("log-level", "", "log level (debug, info, error)")

	for key, flag := range map[string]string{
		"chain":                "chain",
		"node_id":              "node-id",
		"address":              "address",
		"listen_addr":          "listen",
		"peers":                "peers",
		"execution.abci_addr":  "abci",
		"execution.db_backend": "db-backend",
		"schema_policy":        "schema-policy",
		"metrics.addr":         "metrics-addr",
		"log_level":            "log-level",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}
