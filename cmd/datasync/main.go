// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/cfgstruct"
	"storj.io/common/fpath"
	"storj.io/common/process"
	"storj.io/datasync"
	"storj.io/datasync/catalog"
	"storj.io/datasync/catalogdb"
	"storj.io/datasync/target"
	"storj.io/datasync/vault"
	"storj.io/datasync/warehouse"
)

// DataSync defines the datasync process configuration.
type DataSync struct {
	Catalog catalogdb.Config

	Models string `help:"directory holding warehouse and vault model definitions" default:"$CONFDIR/models"`

	datasync.Config
}

// Exit code contract: 0 success, 1 generic failure, 2 misconfiguration,
// 3 unrecoverable source or target error.
var (
	// ErrUsage marks command line and model definition mistakes.
	ErrUsage = errs.Class("usage")
	// ErrFatal marks failures that no retry within this process can fix.
	ErrFatal = errs.Class("fatal")
)

var (
	rootCmd = &cobra.Command{
		Use:   "datasync",
		Short: "DataSync",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the datasync peer",
		RunE:  withExitCode(cmdRun),
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        withExitCode(cmdSetup),
		Annotations: map[string]string{"type": "setup"},
	}
	syncCmd = &cobra.Command{
		Use:   "sync",
		Short: "Replicate the tracked tables",
		Long: "Replicate the tracked tables. The default single pass exits non-zero " +
			"when any table ended in ERROR; with --loop the pass repeats on the " +
			"configured interval.",
		RunE: withExitCode(cmdSync),
	}
	buildWarehouseCmd = &cobra.Command{
		Use:   "build-warehouse <name>",
		Short: "Build a medallion warehouse model",
		Args:  cobra.ExactArgs(1),
		RunE:  withExitCode(cmdBuildWarehouse),
	}
	buildVaultCmd = &cobra.Command{
		Use:   "build-vault <name>",
		Short: "Build a raw vault model",
		Args:  cobra.ExactArgs(1),
		RunE:  withExitCode(cmdBuildVault),
	}
	resetTableCmd = &cobra.Command{
		Use:   "reset-table <schema.table>",
		Short: "Force a full reload of one tracked table",
		Args:  cobra.ExactArgs(1),
		RunE:  withExitCode(cmdResetTable),
	}
	cleanupOffsetsCmd = &cobra.Command{
		Use:   "cleanup-offsets",
		Short: "Drop orphaned watermarks, migrate deprecated pk strategies and prune the process log",
		RunE:  withExitCode(cmdCleanupOffsets),
	}

	runCfg   DataSync
	setupCfg DataSync
	syncCfg  struct {
		DataSync
		Once bool `help:"run a single replication pass and exit, the default" default:"false"`
		Loop bool `help:"keep replicating on the configured interval" default:"false"`
	}
	warehouseCfg DataSync
	vaultCfg     DataSync

	resetCfg struct {
		Catalog catalogdb.Config
		Target  target.Config
	}
	cleanupCfg struct {
		Catalog catalogdb.Config
		Keep    time.Duration `help:"how much process log history to keep" default:"720h"`
	}

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "datasync")
	cfgstruct.SetupFlag(zap.L(), rootCmd, &confDir, "config-dir", defaultConfDir, "main directory for datasync configuration")
	defaults := cfgstruct.DefaultsFlag(rootCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(buildWarehouseCmd)
	rootCmd.AddCommand(buildVaultCmd)
	rootCmd.AddCommand(resetTableCmd)
	rootCmd.AddCommand(cleanupOffsetsCmd)
	process.Bind(runCmd, &runCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, defaults, cfgstruct.ConfDir(confDir), cfgstruct.SetupMode())
	process.Bind(syncCmd, &syncCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(buildWarehouseCmd, &warehouseCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(buildVaultCmd, &vaultCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(resetTableCmd, &resetCfg, defaults, cfgstruct.ConfDir(confDir))
	process.Bind(cleanupOffsetsCmd, &cleanupCfg, defaults, cfgstruct.ConfDir(confDir))
}

// withExitCode maps classified errors to the documented exit codes.
// Unclassified errors fall through to process.Exec, which exits 1.
func withExitCode(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		switch {
		case err == nil:
			return nil
		case ErrUsage.Has(err):
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		case ErrFatal.Has(err):
			fmt.Fprintln(os.Stderr, err)
			os.Exit(3)
		}
		return err
	}
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := catalogdb.Open(ctx, log.Named("catalogdb"), runCfg.Catalog)
	if err != nil {
		return ErrFatal.New("catalog database unavailable: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.MigrateToLatest(ctx); err != nil {
		return ErrFatal.New("catalog migration failed: %+v", err)
	}

	peer, err := datasync.New(ctx, log, db, runCfg.Config)
	if err != nil {
		return ErrFatal.Wrap(err)
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

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return ErrUsage.New("datasync configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfig(cmd, filepath.Join(setupDir, "config.yaml"))
}

func cmdSync(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	if syncCfg.Once && syncCfg.Loop {
		return ErrUsage.New("--once and --loop are mutually exclusive")
	}

	db, err := catalogdb.Open(ctx, log.Named("catalogdb"), syncCfg.Catalog)
	if err != nil {
		return ErrFatal.New("catalog database unavailable: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	if err := db.MigrateToLatest(ctx); err != nil {
		return ErrFatal.New("catalog migration failed: %+v", err)
	}

	peer, err := datasync.New(ctx, log, db, syncCfg.Config)
	if err != nil {
		return ErrFatal.Wrap(err)
	}
	defer func() {
		err = errs.Combine(err, peer.Close())
	}()

	if syncCfg.Loop {
		return peer.Run(ctx)
	}

	if err := peer.Replication.Service.RunOnce(ctx); err != nil {
		return err
	}

	failed, err := db.ListByStatus(ctx, catalog.StatusError)
	if err != nil {
		return errs.Wrap(err)
	}
	if len(failed) > 0 {
		scopes := make([]string, len(failed))
		for i, entry := range failed {
			scopes[i] = entry.Schema + "." + entry.Table
		}
		return errs.New("replication pass finished with %d tables in ERROR: %s",
			len(failed), strings.Join(scopes, ", "))
	}
	return nil
}

func cmdBuildWarehouse(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	var model warehouse.Model
	if err := loadModel(warehouseCfg.Models, args[0], &model); err != nil {
		return err
	}
	if err := model.Validate(); err != nil {
		return ErrUsage.Wrap(err)
	}

	db, err := openCatalog(ctx, log, warehouseCfg.Catalog)
	if err != nil {
		return err
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	peer, err := datasync.New(ctx, log, db, warehouseCfg.Config)
	if err != nil {
		return ErrFatal.Wrap(err)
	}
	defer func() {
		err = errs.Combine(err, peer.Close())
	}()

	return peer.Warehouse.Builder.Build(ctx, model)
}

func cmdBuildVault(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	var model vault.Model
	if err := loadModel(vaultCfg.Models, args[0], &model); err != nil {
		return err
	}
	if err := model.Validate(); err != nil {
		return ErrUsage.Wrap(err)
	}

	db, err := openCatalog(ctx, log, vaultCfg.Catalog)
	if err != nil {
		return err
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	peer, err := datasync.New(ctx, log, db, vaultCfg.Config)
	if err != nil {
		return ErrFatal.Wrap(err)
	}
	defer func() {
		err = errs.Combine(err, peer.Close())
	}()

	return peer.Vault.Builder.Build(ctx, model)
}

func cmdResetTable(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	schema, table, ok := strings.Cut(args[0], ".")
	if !ok || schema == "" || table == "" {
		return ErrUsage.New("expected <schema.table>, got %q", args[0])
	}

	db, err := openCatalog(ctx, log, resetCfg.Catalog)
	if err != nil {
		return err
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	engine, err := target.New(ctx, log.Named("target"), resetCfg.Target)
	if err != nil {
		return ErrFatal.New("target warehouse unavailable: %+v", err)
	}
	defer func() {
		err = errs.Combine(err, engine.Close())
	}()

	maintenance := catalog.NewMaintenance(log.Named("maintenance"), db, engine)

	// The same table may be tracked from several source engines; all of
	// them reload.
	found := 0
	for _, source := range []catalog.Engine{catalog.MySQL, catalog.MariaDB, catalog.MSSQL} {
		err := maintenance.Reset(ctx, schema, table, source)
		switch {
		case err == nil:
			found++
		case catalog.ErrEntryNotFound.Has(err):
		default:
			return ErrFatal.Wrap(err)
		}
	}
	if found == 0 {
		return ErrUsage.New("table %s.%s is not tracked", schema, table)
	}
	return nil
}

func cmdCleanupOffsets(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := openCatalog(ctx, log, cleanupCfg.Catalog)
	if err != nil {
		return err
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	migrated, err := db.CleanupStrategies(ctx)
	if err != nil {
		return errs.Wrap(err)
	}

	// Watermarks only mean something while a table listens for changes;
	// any other status re-establishes one during its next full load.
	stale, err := db.ListByStatus(ctx,
		catalog.StatusPending, catalog.StatusFullLoad, catalog.StatusNoData,
		catalog.StatusSkip, catalog.StatusError)
	if err != nil {
		return errs.Wrap(err)
	}
	cleared := 0
	for _, entry := range stale {
		if entry.LastChangeID() == 0 {
			continue
		}
		entry.ClearLastChangeID()
		if err := db.UpdateSyncMetadata(ctx, entry.Schema, entry.Table, entry.Engine, entry.SyncMetadata); err != nil {
			return errs.Wrap(err)
		}
		cleared++
	}

	pruned, err := db.DeleteBefore(ctx, time.Now().Add(-cleanupCfg.Keep))
	if err != nil {
		return errs.Wrap(err)
	}

	log.Info("cleanup finished",
		zap.Int64("strategies migrated", migrated),
		zap.Int("watermarks cleared", cleared),
		zap.Int64("process log rows pruned", pruned))
	return nil
}

// openCatalog opens the catalog database and verifies its schema version.
func openCatalog(ctx context.Context, log *zap.Logger, config catalogdb.Config) (*catalogdb.DB, error) {
	db, err := catalogdb.Open(ctx, log.Named("catalogdb"), config)
	if err != nil {
		return nil, ErrFatal.New("catalog database unavailable: %+v", err)
	}
	if err := db.CheckVersion(ctx); err != nil {
		return nil, errs.Combine(ErrFatal.New("catalog schema out of date, run datasync run or sync first: %+v", err), db.Close())
	}
	return db, nil
}

// loadModel reads <models>/<name>.json into the model definition.
func loadModel(dir, name string, model interface{}) error {
	path := filepath.Join(dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrUsage.New("model %q not readable: %v", name, err)
	}
	if err := json.Unmarshal(data, model); err != nil {
		return ErrUsage.New("model %q invalid: %v", name, err)
	}
	return nil
}

func main() {
	logger, _, _ := process.NewLogger("datasync")
	zap.ReplaceGlobals(logger)

	process.Exec(rootCmd)
}
