/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/alexandremahdhaoui/vmtest/internal/metrics"
	"github.com/alexandremahdhaoui/vmtest/internal/util/gracefulshutdown"
	"github.com/alexandremahdhaoui/vmtest/internal/util/httputil"
	"github.com/alexandremahdhaoui/vmtest/internal/util/logging"
	"github.com/alexandremahdhaoui/vmtest/pkg/driver"
	"github.com/alexandremahdhaoui/vmtest/pkg/network"
	"github.com/alexandremahdhaoui/vmtest/pkg/scenario"
)

const (
	Name = "vmtest-driver"
)

var (
	Version        = "dev" //nolint:gochecknoglobals // set by ldflags
	CommitSHA      = "n/a" //nolint:gochecknoglobals // set by ldflags
	BuildTimestamp = "n/a" //nolint:gochecknoglobals // set by ldflags
)

// flags holds the command line values that override the configuration.
type flags struct {
	configPath   string
	logFile      string
	keepVMState  bool
	allowReboot  bool
	vlans        []string
	tmpDir       string
	scenarioPath string
	metricsAddr  string
	debug        bool
}

// ------------------------------------------------- Main ----------------------------------------------------------- //

func main() {
	if err := newRootCommand(os.Exit).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(exit func(int)) *cobra.Command {
	f := &flags{}

	cmd := &cobra.Command{
		Use:   Name + " [flags] <vm-script>...",
		Short: "Boot virtual machines and run a test script against them",
		Long: `vmtest-driver starts one virtual machine per start script, connects the machines to the
requested virtual networks, and drives them through their monitor and root shell.

Without --scenario, every machine is started and the driver waits until all of them
have shut down.`,
		Version:      fmt.Sprintf("%s (%s) %s", Version, CommitSHA, BuildTimestamp),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := resolveConfig(cmd, f, args, os.LookupEnv)
			if err != nil {
				return err
			}

			level := slog.LevelInfo
			if f.debug {
				level = slog.LevelDebug - 1
			}
			log := logging.Setup(logging.Options{
				Development: config.DevelopmentMode || f.debug,
				Level:       level,
			})

			run(config, log, exit)
			return nil
		},
	}

	bindFlags(cmd, f)

	return cmd
}

func bindFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to the configuration file (env "+ConfigPathEnvKey+")")
	cmd.Flags().StringVarP(&f.logFile, "log-file", "l", "", "write the XML test log to this file")
	cmd.Flags().BoolVarP(&f.keepVMState, "keep-vm-state", "K", false, "re-use the machines' state from a previous run")
	cmd.Flags().BoolVar(&f.allowReboot, "allow-reboot", false, "let guests reboot instead of exiting")
	cmd.Flags().StringSliceVar(&f.vlans, "vlans", nil, "ids of the virtual networks to create")
	cmd.Flags().StringVar(&f.tmpDir, "tmp-dir", "", "directory for machine state and switch sockets")
	cmd.Flags().StringVarP(&f.scenarioPath, "scenario", "s", "", "YAML test scenario to run")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "verbose diagnostics, including console output")
}

// resolveConfig layers the configuration file, the environment and the flags, then validates the result.
func resolveConfig(
	cmd *cobra.Command,
	f *flags,
	args []string,
	lookup func(string) (string, bool),
) (*Config, error) {
	path := f.configPath
	if path == "" {
		path, _ = lookup(ConfigPathEnvKey)
	}

	config, err := loadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := config.applyEnv(lookup); err != nil {
		return nil, err
	}

	if len(args) > 0 {
		config.VMScripts = args
	}

	changed := cmd.Flags().Changed
	if changed("log-file") {
		config.LogFile = f.logFile
	}
	if changed("keep-vm-state") {
		config.KeepVMState = f.keepVMState
	}
	if changed("allow-reboot") {
		config.AllowReboot = f.allowReboot
	}
	if changed("vlans") {
		config.VLANs = network.DedupIDs(f.vlans)
	}
	if changed("tmp-dir") {
		config.TmpDir = f.tmpDir
	}
	if changed("scenario") {
		config.ScenarioPath = f.scenarioPath
	}
	if changed("metrics-addr") {
		config.MetricsAddr = f.metricsAddr
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// run drives the machines until the script ends or a signal arrives. It returns once the shutdown completed, which
// with os.Exit as exit never happens.
func run(config *Config, log logr.Logger, exit func(int)) {
	log.Info(fmt.Sprintf("Starting %s version %s (%s) %s", Name, Version, CommitSHA, BuildTimestamp))

	// --------------------------------------------- Graceful Shutdown ---------------------------------------------- //

	gs := gracefulshutdown.NewWithExit(Name, exit)
	defer gs.Wait()

	ctx := gs.Context()

	// --------------------------------------------- Script --------------------------------------------------------- //

	script := driver.Script(driver.ScriptFunc(startAndJoin))
	if config.ScenarioPath != "" {
		sc, err := scenario.NewLoader("").Load(config.ScenarioPath)
		if err != nil {
			log.Error(err, "loading scenario")
			gs.Shutdown(1)
			return
		}
		script = scenario.NewRunner(sc)
	}

	// --------------------------------------------- Metrics -------------------------------------------------------- //

	m, metricsServer := setupMetrics(config)

	servers := map[string]*http.Server{}
	if metricsServer != nil {
		servers["metrics"] = metricsServer
	}

	// --------------------------------------------- Driver --------------------------------------------------------- //

	// Setup runs inside the wait group so a signal arriving while the switches start still waits for New to tear
	// down what it started.
	gs.WaitGroup().Add(1)
	go func() {
		code := 0
		if err := setupAndRun(ctx, gs, config, log, m, script); err != nil {
			code = 1
		}

		// Done must come first, Shutdown waits for the wait group.
		gs.WaitGroup().Done()
		gs.Shutdown(code)
	}()

	httputil.Serve(servers, gs)
}

// setupAndRun starts the driver, registers its cleanup and runs script.
func setupAndRun(
	ctx context.Context,
	gs *gracefulshutdown.GracefulShutdown,
	config *Config,
	log logr.Logger,
	m *metrics.Metrics,
	script driver.Script,
) error {
	d, err := driver.New(ctx, driver.Config{ //nolint:exhaustruct
		VMScripts:       config.VMScripts,
		Networks:        config.VLANs,
		KeepVMState:     config.KeepVMState,
		AllowReboot:     config.AllowReboot,
		TmpDir:          config.TmpDir,
		LogFile:         config.LogFile,
		SwitchBinary:    config.SwitchBinary,
		SerialQueueSize: config.SerialQueueSize,
		Log:             log,
		Metrics:         m,
	})
	if err != nil {
		log.Error(err, "setting up the test driver")
		return err
	}

	gs.OnShutdown(func() {
		if err := d.Cleanup(); err != nil {
			log.Error(err, "cleaning up")
		}
	})

	// --------------------------------------------- Run Script ----------------------------------------------------- //

	if err := d.RunTests(ctx, script); err != nil {
		log.Error(err, "test script failed", "runID", d.RunID())
		return err
	}

	return nil
}

// startAndJoin boots every machine and waits for all of them to power off.
func startAndJoin(ctx context.Context, tc driver.TestContext) error {
	if err := tc.StartAll(ctx); err != nil {
		return err
	}
	return tc.JoinAll(ctx)
}
