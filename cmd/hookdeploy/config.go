package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hookdeploy/internal/security"
	"hookdeploy/internal/store"
	"hookdeploy/pkg/fileutil"
)

const (
	envPrefix           = "HOOKDEPLOY"
	defaultProjectsFile = "projects.yaml"
)

// legacyEnv maps flags to the variable names older deployments used.
var legacyEnv = map[string]string{
	"db-host":     "DB_HOST",
	"db-port":     "DB_PORT",
	"db-name":     "DB_NAME",
	"db-user":     "DB_USER",
	"db-password": "DB_PASSWORD",
}

// newViper binds every flag of cmd, including inherited ones, to viper so
// that HOOKDEPLOY_<FLAG> environment variables override defaults.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, goerr.Wrap(err, "failed to bind flags")
	}
	if err := v.BindPFlags(cmd.InheritedFlags()); err != nil {
		return nil, goerr.Wrap(err, "failed to bind inherited flags")
	}

	for key, legacy := range legacyEnv {
		if cmd.Flags().Lookup(key) == nil {
			continue
		}
		if err := v.BindEnv(key, envPrefix+"_"+strings.ReplaceAll(strings.ToUpper(key), "-", "_"), legacy); err != nil {
			return nil, goerr.Wrap(err, "failed to bind env", goerr.V("key", key))
		}
	}

	return v, nil
}

// addStoreFlags registers the flags selecting the project store.
func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("store", store.DriverFile, "Project store (file, env, sqlite, mysql, firestore, memory)")
	f.StringP("config", "c", "", "Projects file for the file store (searched in default locations when empty)")
	f.String("events-file", "", "JSON Lines file receiving webhook events (file store)")
	f.String("dsn", "", "Database DSN (sqlite path or mysql DSN)")
	f.String("db-host", "localhost", "MySQL host when --dsn is empty")
	f.String("db-port", "3306", "MySQL port when --dsn is empty")
	f.String("db-name", "git_webhooks", "MySQL database when --dsn is empty")
	f.String("db-user", "root", "MySQL user when --dsn is empty")
	f.String("db-password", "", "MySQL password when --dsn is empty")
	f.String("env-prefix", store.DefaultEnvPrefix, "Variable prefix for the env store")
	f.String("firestore-project", "", "Google Cloud project for the firestore store")
	f.String("firestore-database", "", "Firestore database id (default database when empty)")
}

// storeConfig builds the store configuration from bound flags. With
// allowNew, a missing projects file defaults to ./projects.yaml.
func storeConfig(v *viper.Viper, allowNew bool) (store.Config, error) {
	var cfg store.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, goerr.Wrap(err, "invalid store configuration")
	}

	switch cfg.Driver {
	case store.DriverFile, "":
		path, err := fileutil.ResolveConfig(cfg.ProjectsFile, defaultProjectsFile)
		switch {
		case err == nil:
			cfg.ProjectsFile = path
		case allowNew:
			cfg.ProjectsFile = defaultProjectsFile
		default:
			return cfg, goerr.Wrap(err, "no projects file found, use --config to specify one")
		}
	case store.DriverMySQL:
		if cfg.DSN == "" {
			cfg.DSN = store.MySQLDSN(v.GetString("db-host"), v.GetString("db-port"),
				v.GetString("db-name"), v.GetString("db-user"), v.GetString("db-password"))
		}
	}

	return cfg, nil
}

func openStore(ctx context.Context, v *viper.Viper, logger *slog.Logger, allowNew bool) (store.Store, error) {
	cfg, err := storeConfig(v, allowNew)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if (cfg.Driver == store.DriverFile || cfg.Driver == "") && fileutil.FileExists(cfg.ProjectsFile) {
		if err := security.ValidateSecurePermissions(cfg.ProjectsFile); err != nil {
			logger.Warn("Projects file holds secrets but has loose permissions", "path", cfg.ProjectsFile, "error", err)
		}
	}
	logger.Debug("project store opened", "driver", cfg.Driver, "projects_file", cfg.ProjectsFile)
	return st, nil
}
