// Copyright (C) 2025 SetuPranali Labs, Inc.
// See LICENSE for copying information.

// Package process wires commands, configuration, logging, and run contexts
// together for all setupranali binaries.
package process

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"setupranali.io/setupranali/private/cfgstruct"
)

// DefaultCfgFilename is the name of the configuration file inside --config-dir.
const DefaultCfgFilename = "config.yaml"

var (
	// Error is the class of errors returned by this package.
	Error = errs.Class("process")

	mon = monkit.Package()

	contextMtx sync.Mutex
	contexts   = map[*cobra.Command]context.Context{}
	cancels    = map[*cobra.Command]context.CancelFunc{}

	configMtx sync.Mutex
	configs   = map[*cobra.Command][]interface{}{}
)

// Bind registers the config struct with the command and binds its fields to
// the command's flags.
func Bind(cmd *cobra.Command, config interface{}, opts ...cfgstruct.BindOpt) {
	configMtx.Lock()
	defer configMtx.Unlock()

	cfgstruct.Bind(cmd.Flags(), config, opts...)
	configs[cmd] = append(configs[cmd], config)
}

// Ctx returns the run context of the command, established by Exec.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	contextMtx.Lock()
	defer contextMtx.Unlock()

	ctx := contexts[cmd]
	if ctx == nil {
		ctx = context.Background()
		contexts[cmd] = ctx
	}

	cancel := cancels[cmd]
	if cancel == nil {
		ctx, cancel = context.WithCancel(ctx)
		contexts[cmd] = ctx
		cancels[cmd] = cancel

		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			select {
			case <-c:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	return ctx, cancel
}

// Exec runs a Cobra command. Each leaf command is wrapped so that viper
// loads flag values from the environment (SETU_ prefix) and the optional
// config file before the command body runs.
func Exec(cmd *cobra.Command) {
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	cleanup(cmd)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func cleanup(cmd *cobra.Command) {
	for _, ccmd := range cmd.Commands() {
		cleanup(ccmd)
	}
	if cmd.Run != nil {
		panic("Run is not allowed for use with process.Exec, use RunE instead")
	}
	if cmd.RunE == nil {
		return
	}

	internalRun := cmd.RunE
	cmd.RunE = func(cmd *cobra.Command, args []string) (err error) {
		ctx := context.Background()
		defer mon.Task()(&ctx)(&err)

		cmd.SilenceUsage = true

		vip, err := newViper(cmd)
		if err != nil {
			return err
		}
		if err := applyViper(cmd, vip); err != nil {
			return err
		}

		logger, err := NewLogger()
		if err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		defer func() { _ = logger.Sync() }()

		runCtx, cancel := Ctx(cmd)
		defer cancel()

		contextMtx.Lock()
		contexts[cmd] = runCtx
		contextMtx.Unlock()

		err = internalRun(cmd, args)
		if err != nil {
			logger.Error("failure during run", zap.Error(err))
		}
		return err
	}
}

func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, Error.Wrap(err)
	}
	vip.SetEnvPrefix("setu")
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	cfgFlag := cmd.Flags().Lookup("config-dir")
	if cfgFlag != nil && cfgFlag.Value.String() != "" {
		path := filepath.Join(os.ExpandEnv(cfgFlag.Value.String()), DefaultCfgFilename)
		if cmd.Annotations["type"] != "setup" || fileExists(path) {
			vip.SetConfigFile(path)
			if err := vip.ReadInConfig(); err != nil {
				if !os.IsNotExist(err) && fileExists(path) {
					return nil, Error.Wrap(err)
				}
			}
		}
	}
	return vip, nil
}

// applyViper propagates viper values into any flag the user did not set
// explicitly on the command line.
func applyViper(cmd *cobra.Command, vip *viper.Viper) error {
	var broken []string
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Changed || !vip.IsSet(f.Name) {
			return
		}
		value := fmt.Sprintf("%v", vip.Get(f.Name))
		if err := f.Value.Set(value); err != nil {
			broken = append(broken, f.Name)
		}
	})
	if len(broken) > 0 {
		return Error.New("invalid configuration values for: %s", strings.Join(broken, ", "))
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
