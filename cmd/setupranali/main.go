// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// setupranali is the semantic analytics gateway daemon.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/gateway"
	"setupranali.io/setupranali/gateway/gatewaydb"
	"setupranali.io/setupranali/private/cfgstruct"
	"setupranali.io/setupranali/private/process"
	"setupranali.io/setupranali/private/version"
)

var (
	rootCmd = &cobra.Command{
		Use:   "setupranali",
		Short: "semantic analytics gateway",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the gateway",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "create a configuration directory",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the version",
		RunE:  cmdVersion,
	}

	runCfg   gateway.Config
	setupCfg gateway.Config

	confDir string
)

const defaultConfDir = "$HOME/.setupranali"

func init() {
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir,
		"main directory for setupranali configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(versionCmd)

	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	process.InitMetrics()

	db, err := gatewaydb.Open(log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error opening database: %+v", err)
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return errs.New("error migrating database: %+v", err)
	}

	peer, err := gateway.New(log, db, runCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, err := isEmptyDir(setupDir)
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("configuration already exists (%v)", setupDir)
	}

	if err := os.MkdirAll(setupDir, 0700); err != nil {
		return err
	}

	overrides := map[string]interface{}{}
	if setupCfg.VaultKey == "" {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return err
		}
		overrides["vault-key"] = hex.EncodeToString(key[:])
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"),
		process.SaveConfigWithOverrides(overrides))
}

func cmdVersion(cmd *cobra.Command, args []string) error {
	fmt.Println(version.Build().String())
	return nil
}

// isEmptyDir reports whether the directory is empty or absent.
func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}

func main() {
	process.Exec(rootCmd)
}
