package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/spf13/pflag"
)

const APP_NAME = "omeka-addon-catalogue"

func new_flag_set() *pflag.FlagSet {
	flags := pflag.NewFlagSet(APP_NAME, pflag.ContinueOnError)
	flags.String("config", "", "path to a config file (default ./catalogue.yaml)")
	flags.String("data-dir", "", "directory the catalogues are read from and written to")
	flags.String("cache-dir", "", "directory of the invalid url caches (default <data-dir>/cache)")
	flags.String("exclusions", "", "file of urls to always skip, one per line")
	flags.String("run-log", "", "file the log of this run is written to")
	flags.Int("max-retries", DEFAULT_MAX_RETRIES, "attempts per request before giving up")
	flags.Int("batch-size", 10, "number of requests prefetched concurrently")
	flags.Bool("keep-updated-forks", true, "keep forks with a greater version than the original")
	flags.StringSlice("type", nil, "catalog type to process, may be repeated (default all)")
	flags.Bool("no-discover", false, "only update the addons already in the catalogues")
	flags.String("latest", "", "print the latest known version of the addon installed in this directory and exit")
	flags.BoolP("verbose", "v", false, "log debug messages")
	return flags
}

func log_level(name string) slog.Level {
	var level slog.Level
	err := level.UnmarshalText([]byte(name))
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// looks up the latest version of addon `name` in the version index of each selected catalog type.
func print_latest(cfg *Config, name string) bool {
	for _, ct := range cfg.selected_types() {
		if !path_exists(ct.VersionIndex) {
			continue
		}
		version, found, err := latest_version(ct.VersionIndex, name)
		if err != nil {
			slog.Warn("failed to read version index", "type", ct.Name, "error", err)
			continue
		}
		if found {
			fmt.Println(version)
			return true
		}
	}
	slog.Error("addon not found in any version index", "name", name)
	return false
}

func main() {
	flags := new_flag_set()
	err := flags.Parse(os.Args[1:])
	if err == pflag.ErrHelp {
		return
	}
	die(err != nil, "failed to parse arguments", "error", err)

	config_path, _ := flags.GetString("config")
	cfg, err := load_config(config_path, flags)
	die(err != nil, "failed to load config", "error", err)

	run_log := &RunLog{}
	handler := tint.NewHandler(os.Stderr, &tint.Options{Level: log_level(cfg.LogLevel)})
	slog.SetDefault(slog.New(new_run_log_handler(handler, run_log)))

	latest, _ := flags.GetString("latest")
	if latest != "" {
		die(!print_latest(cfg, latest), "latest version lookup failed", "name", latest)
		return
	}

	run, err := new_run(cfg, run_log)
	die(err != nil, "failed to start run", "error", err)
	slog.SetDefault(slog.Default().With("run", run.ID.String()))
	slog.Info("run started", "data-dir", cfg.DataDir, "discover", cfg.Discover)

	err = run_all(run)
	if err != nil {
		slog.Error("run finished with errors", "error", err)
	} else {
		slog.Info("run finished")
	}

	close_err := run.close()
	if close_err != nil {
		slog.Error("failed to write run log", "error", close_err)
	}
	if err != nil || close_err != nil {
		os.Exit(1)
	}
}
