package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"deploywatch/internal/config"
	"deploywatch/internal/utils"
)

// commonFlags override config file values. Only flags set on the command line
// are applied.
type commonFlags struct {
	configPath        string
	endpoint          string
	token             string
	logFile           string
	metricsSource     string
	logsSource        string
	kubeconfig        string
	kubeContext       string
	attribution       string
	seriesCapacity    int
	logCapacity       int
	reconnectDelay    time.Duration
	heartbeatInterval time.Duration
}

func (f *commonFlags) add(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "config file (default: <user config dir>/deploywatch/deploywatch.yaml when present)")
	fs.StringVar(&f.endpoint, "endpoint", "", "platform websocket base URL (ws:// or wss://)")
	fs.StringVar(&f.token, "token", "", "bearer token for the platform")
	fs.StringVar(&f.logFile, "log-file", "", "log file path")
	fs.StringVar(&f.metricsSource, "metrics-source", "", "metrics source: remote or local")
	fs.StringVar(&f.logsSource, "logs-source", "", "log source: remote or kubernetes")
	fs.StringVar(&f.kubeconfig, "kubeconfig", "", "kubeconfig for the kubernetes log source")
	fs.StringVar(&f.kubeContext, "kube-context", "", "kubeconfig context")
	fs.StringVar(&f.attribution, "failure-attribution", "", "stage blamed for generic failures: cursor or keywords")
	fs.IntVar(&f.seriesCapacity, "series-capacity", 0, "chart points kept per series")
	fs.IntVar(&f.logCapacity, "log-capacity", 0, "log lines kept (0 keeps all)")
	fs.DurationVar(&f.reconnectDelay, "reconnect-delay", 0, "delay before reconnecting a dropped stream")
	fs.DurationVar(&f.heartbeatInterval, "heartbeat-interval", 0, "stream heartbeat interval (0 disables)")
}

// resolveConfigPath picks the explicit path, else the default file when it
// exists.
func (f *commonFlags) resolveConfigPath() string {
	if f.configPath != "" {
		return f.configPath
	}
	def := utils.NewPaths(utils.DefaultRoot()).ConfigFile()
	if _, err := os.Stat(def); err == nil {
		return def
	}
	return ""
}

// load layers defaults, the config file and the flags set on fs.
func (f *commonFlags) load(fs *pflag.FlagSet) (config.Config, error) {
	cfg, err := config.Load(f.resolveConfigPath())
	if err != nil {
		return cfg, err
	}
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("endpoint", func() { cfg.Endpoint = strings.TrimSpace(f.endpoint) })
	set("token", func() { cfg.Token = f.token })
	set("log-file", func() { cfg.LogFile = f.logFile })
	set("metrics-source", func() { cfg.MetricsSource = strings.ToLower(f.metricsSource) })
	set("logs-source", func() { cfg.LogsSource = strings.ToLower(f.logsSource) })
	set("kubeconfig", func() { cfg.Kubeconfig = f.kubeconfig })
	set("kube-context", func() { cfg.KubeContext = f.kubeContext })
	set("failure-attribution", func() { cfg.FailureAttribution = strings.ToLower(f.attribution) })
	set("series-capacity", func() { cfg.SeriesCapacity = f.seriesCapacity })
	set("log-capacity", func() { cfg.LogCapacity = f.logCapacity })
	set("reconnect-delay", func() { cfg.ReconnectDelay = f.reconnectDelay })
	set("heartbeat-interval", func() { cfg.HeartbeatInterval = f.heartbeatInterval })
	return cfg, nil
}

func runConfig(args []string, stdout, stderr io.Writer) error {
	fs := pflag.NewFlagSet("deploywatch config", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.StringP("config", "c", utils.NewPaths(utils.DefaultRoot()).ConfigFile(), "where to write the config file")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 || fs.Arg(0) != "init" {
		fmt.Fprintln(stderr, "usage: deploywatch config init [--config path] [--force]")
		return errUsage
	}
	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", *path)
	}
	if err := config.Save(*path, config.Default()); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", *path)
	return nil
}
