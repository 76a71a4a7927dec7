// COPYRIGHT 2024 FERMI NATIONAL ACCELERATOR LABORATORY
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
//
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// weewx-prompush forwards weewx archive records to a Prometheus Pushgateway.  Records are read as JSON objects, either
// one per line on stdin or POSTed to an HTTP endpoint, and are delivered one at a time, in order, with bounded retry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yukitsune/lokirus"
	"go.opentelemetry.io/otel"

	"github.com/fermitools/weewx-prompush/internal/config"
	"github.com/fermitools/weewx-prompush/internal/contextStore"
	"github.com/fermitools/weewx-prompush/internal/db"
	"github.com/fermitools/weewx-prompush/internal/tracing"
	"github.com/fermitools/weewx-prompush/internal/worker"
)

var (
	currentExecutable string
	buildTimestamp    string // Should be injected at build time with something like go build -ldflags="-X main.buildTimestamp=$BUILDTIMESTAMP"
	version           string // Should be injected at build time with something like go build -ldflags="-X main.version=$VERSION"
	exeLogger         = log.NewEntry(log.StandardLogger())
)

// devEnvironmentLabel can be set via config or environment variable WEEWX_PROMPUSH_DEV_ENVIRONMENT_LABEL
var devEnvironmentLabel string

const devEnvironmentLabelDefault string = "production"

// delivery is loaded once in setup and is read-only afterwards
var delivery *config.Delivery

// Initial setup.  Read flags, find config file, set up logs, and load the delivery configuration.  This runs from main
// rather than init so that the test binary's flags never reach pflag.
func setup() {
	// Get current executable name
	if exePath, err := os.Executable(); err != nil {
		log.Error("Could not get path of current executable")
	} else {
		currentExecutable = path.Base(exePath)
	}

	initFlags()
	if viper.GetBool("version") {
		fmt.Printf("weewx-prompush version %s, build %s\n", version, buildTimestamp)
		os.Exit(0)
	}

	if err := initConfig(); err != nil {
		fmt.Println("Fatal error setting up configuration.  Exiting now")
		os.Exit(1)
	}

	devEnvironmentLabel = getDevEnvironmentLabel()
	initLogs()

	var err error
	if delivery, err = initDelivery(); err != nil {
		exeLogger.Fatal(err)
	}
}

func initFlags() {
	// Defaults
	viper.SetDefault("source.kind", "stdin")
	viper.SetDefault("source.listen", "localhost:9099")
	viper.SetDefault("self_metrics.enabled", true)
	viper.SetDefault("self_metrics.interval", "5m")

	// Flags
	pflag.StringP("configfile", "c", "", "Specify alternate config file")
	pflag.BoolP("test", "t", false, "Test mode.  Evaluate records but never post them to the pushgateway")
	pflag.Bool("version", false, "Version of weewx-prompush")
	pflag.BoolP("verbose", "v", false, "Turn on verbose mode")
	pflag.String("source", "", "Where records come from: stdin or http.  Overrides source.kind in the config file")

	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
}

func initConfig() error {
	// Get config file
	configFileName := "weewxPromPush"
	// Check for override
	if cfgFile := viper.GetString("configfile"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(configFileName)
	}

	viper.AddConfigPath("/etc/weewx-prompush/")
	viper.AddConfigPath("$HOME/.weewx-prompush/")
	viper.AddConfigPath(".")

	// Environment overrides, e.g. WEEWX_PROMPUSH_PROMPUSH_HOST for prompush.host
	viper.SetEnvPrefix("weewx_prompush")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		log.WithField("executable", currentExecutable).Errorf("Error reading in config file: %v", err)
		return err
	}
	return nil
}

// Set up logs
func initLogs() {
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	debugLogConfigLookup := "logs.debugfile"
	logConfigLookup := "logs.logfile"

	// Debug log
	if debugLog := viper.GetString(debugLogConfigLookup); debugLog != "" {
		log.SetLevel(log.DebugLevel)
		log.AddHook(lfshook.NewHook(lfshook.PathMap{
			log.DebugLevel: debugLog,
			log.InfoLevel:  debugLog,
			log.WarnLevel:  debugLog,
			log.ErrorLevel: debugLog,
			log.FatalLevel: debugLog,
			log.PanicLevel: debugLog,
		}, &log.TextFormatter{FullTimestamp: true}))
	}

	// Info log file
	if infoLog := viper.GetString(logConfigLookup); infoLog != "" {
		log.AddHook(lfshook.NewHook(lfshook.PathMap{
			log.InfoLevel:  infoLog,
			log.WarnLevel:  infoLog,
			log.ErrorLevel: infoLog,
			log.FatalLevel: infoLog,
			log.PanicLevel: infoLog,
		}, &log.TextFormatter{FullTimestamp: true}))
	}

	// Loki.  Example here taken from README: https://github.com/YuKitsune/lokirus/blob/main/README.md
	if lokiHost := viper.GetString("loki.host"); lokiHost != "" {
		lokiOpts := lokirus.NewLokiHookOptions().
			// Grafana doesn't have a "panic" level, but it does have a "critical" level
			// https://grafana.com/docs/grafana/latest/explore/logs-integration/
			WithLevelMap(lokirus.LevelMap{log.PanicLevel: "critical"}).
			WithFormatter(&log.JSONFormatter{}).
			WithStaticLabels(lokirus.Labels{
				"app":         "weewx-prompush",
				"command":     currentExecutable,
				"environment": devEnvironmentLabel,
			})
		lokiHook := lokirus.NewLokiHookWithOpts(
			lokiHost,
			lokiOpts,
			log.InfoLevel,
			log.WarnLevel,
			log.ErrorLevel,
			log.FatalLevel)

		log.AddHook(lokiHook)
	}

	exeLogger = log.WithField("executable", currentExecutable)
	exeLogger.Debugf("Using config file %s", viper.ConfigFileUsed())

	if viper.GetBool("test") {
		exeLogger.Info("Running in test mode")
	}
}

// initDelivery loads the delivery configuration.  Test mode always turns skip_post on.
func initDelivery() (*config.Delivery, error) {
	d, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	if viper.GetBool("test") {
		d.SkipPost = true
	}

	exeLogger.Infof("data will be sent to pushgateway at %s", d.Address())
	exeLogger.WithFields(d.LogFields()).Debug("Loaded delivery configuration")
	return d, nil
}

// initTracing installs an OTLP trace provider if tracing.url is configured.  The returned func flushes and stops it.
func initTracing(ctx context.Context) func(context.Context) {
	tracingURL := viper.GetString("tracing.url")
	if tracingURL == "" {
		return func(context.Context) {}
	}
	tp, shutdown, err := tracing.NewOTLPHTTPTraceProvider(ctx, tracingURL, devEnvironmentLabel)
	if err != nil {
		exeLogger.Warnf("Could not set up tracing.  Continuing without it: %s", err)
		return func(context.Context) {}
	}
	otel.SetTracerProvider(tp)
	exeLogger.WithField("url", tracingURL).Debug("Set up tracing")
	return shutdown
}

// openLedger opens the outcome ledger if dbLocation is configured, and logs the counts earlier runs left in it for
// d's grouping key.  A ledger that cannot be opened is logged and skipped, since it never affects delivery.
func openLedger(ctx context.Context, d *config.Delivery) *db.OutcomeDatabase {
	dbLocation := getDbLocation()
	if dbLocation == "" {
		return nil
	}
	exeLogger.Debugf("Using db file at %s", dbLocation)

	if viper.GetBool("verbose") {
		db.SetDebugLogger(exeLogger.WithField("component", "outcomeLedger"))
	}
	ledger, err := db.OpenOrCreateDatabase(dbLocation)
	if err != nil {
		exeLogger.Warnf("Could not open outcome ledger.  Outcomes will not be persisted: %s", err)
		return nil
	}
	logLedgerCounts(ctx, ledger, d)
	return ledger
}

func main() {
	setup()
	if err := start(); err != nil {
		exeLogger.Fatalf("Error forwarding records: %s", err)
	}
	exeLogger.Debug("Finished run")
}

// start wires the record source, forwarder, and optional tracing, ledger, and self-metrics together, and runs them
// until the source is exhausted or the process is signalled
func start() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if viper.GetBool("verbose") {
		ctx = contextStore.WithVerbose(ctx)
	}
	if dbTimeout := getDbTimeout(); dbTimeout > 0 {
		ctx = contextStore.WithOverrideTimeout(ctx, dbTimeout)
	}

	shutdownTracing := initTracing(ctx)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracing(flushCtx)
	}()

	src, err := newRecordSource(getSourceKind())
	if err != nil {
		return err
	}

	rc := runConfig{
		delivery:    delivery,
		source:      src,
		selfMetrics: getSelfMetricsConfig(delivery),
	}
	if ledger := openLedger(ctx, delivery); ledger != nil {
		defer ledger.Close()
		rc.forwarderOpts = append(rc.forwarderOpts, worker.WithOutcomeRecorder(ledger))
	}

	return run(ctx, rc)
}
