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
	"errors"
	"fmt"
	"os"
	"strconv"

	"sigs.k8s.io/yaml"

	"github.com/alexandremahdhaoui/vmtest/pkg/network"
)

const (
	// ConfigPathEnvKey names the configuration file when --config is not set.
	ConfigPathEnvKey = "VMTEST_CONFIG_PATH"

	defaultMetricsPath = "/metrics"
)

var (
	ErrNoMachines          = errors.New("at least one vm script is required")
	ErrEmptyVMScript       = errors.New("vm script path must not be empty")
	ErrInvalidQueueSize    = errors.New("serialQueueSize must not be negative")
	ErrMetricsPathRelative = errors.New("metricsPath must start with '/'")
)

// Config is used to configure the driver.
//
// Every field may be set in the configuration file. Some of them may also be passed through environment variables
// or flags; flags take precedence over the environment, which takes precedence over the file.
type Config struct {
	// VMScripts are the start scripts of the machines, one machine per script.
	VMScripts []string `json:"vmScripts"`
	// VLANs are the ids of the virtual networks to create.
	VLANs []string `json:"vlans"`

	// LogFile is where the XML test log is written. Empty means no log file.
	LogFile string `json:"logFile"`
	// KeepVMState preserves the machines' state directories between runs.
	KeepVMState bool `json:"keepVMState"`
	// AllowReboot lets guests reboot instead of exiting.
	AllowReboot bool `json:"allowReboot"`
	// TmpDir hosts the state directories and switch sockets.
	TmpDir string `json:"tmpDir"`
	// SwitchBinary is the virtual switch executable.
	SwitchBinary string `json:"switchBinary"`
	// SerialQueueSize bounds the console lines waiting to be logged.
	SerialQueueSize int `json:"serialQueueSize"`

	// MetricsAddr, when set, serves Prometheus metrics on MetricsPath.
	MetricsAddr string `json:"metricsAddr"`
	MetricsPath string `json:"metricsPath"`

	// ScenarioPath is a YAML test plan. Without it, every machine is started and awaited.
	ScenarioPath string `json:"scenarioPath"`

	// DevelopmentMode switches diagnostics to human-readable, verbose output.
	DevelopmentMode bool `json:"developmentMode"`
}

// loadConfig reads the configuration file at path. An empty path yields the zero Config.
func loadConfig(path string) (*Config, error) {
	config := &Config{}
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Parse YAML (uses json tags)
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return config, nil
}

// envOverride maps an environment variable onto a Config field. Legacy names come first so that their VMTEST_
// counterpart wins when both are set.
type envOverride struct {
	key   string
	apply func(c *Config, v string) error
}

func setString(field func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*field(c) = v
		return nil
	}
}

func setBool(field func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func setVLANs(c *Config, v string) error {
	c.VLANs = network.ParseIDs(v)
	return nil
}

var envOverrides = []envOverride{ //nolint:gochecknoglobals
	{"VLANS", setVLANs},
	{"LOGFILE", setString(func(c *Config) *string { return &c.LogFile })},
	{"TMPDIR", setString(func(c *Config) *string { return &c.TmpDir })},
	{"VMTEST_VLANS", setVLANs},
	{"VMTEST_LOG_FILE", setString(func(c *Config) *string { return &c.LogFile })},
	{"VMTEST_TMPDIR", setString(func(c *Config) *string { return &c.TmpDir })},
	{"VMTEST_KEEP_VM_STATE", setBool(func(c *Config) *bool { return &c.KeepVMState })},
	{"VMTEST_ALLOW_REBOOT", setBool(func(c *Config) *bool { return &c.AllowReboot })},
	{"VMTEST_SWITCH_BINARY", setString(func(c *Config) *string { return &c.SwitchBinary })},
	{"VMTEST_METRICS_ADDR", setString(func(c *Config) *string { return &c.MetricsAddr })},
	{"VMTEST_SCENARIO", setString(func(c *Config) *string { return &c.ScenarioPath })},
	{"VMTEST_SERIAL_QUEUE_SIZE", func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.SerialQueueSize = n
		return nil
	}},
}

// applyEnv overrides fields with the environment variables found by lookup.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for _, o := range envOverrides {
		v, ok := lookup(o.key)
		if !ok {
			continue
		}
		if err := o.apply(c, v); err != nil {
			errs = append(errs, fmt.Errorf("environment variable %s: %w", o.key, err))
		}
	}
	return errors.Join(errs...)
}

// Validate reports every problem of the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.VMScripts) == 0 {
		errs = append(errs, ErrNoMachines)
	}
	for _, script := range c.VMScripts {
		if script == "" {
			errs = append(errs, ErrEmptyVMScript)
		}
	}

	for _, id := range c.VLANs {
		if err := network.ValidateID(id); err != nil {
			errs = append(errs, fmt.Errorf("vlans: %w", err))
		}
	}

	if c.SerialQueueSize < 0 {
		errs = append(errs, ErrInvalidQueueSize)
	}

	if c.MetricsPath != "" && c.MetricsPath[0] != '/' {
		errs = append(errs, ErrMetricsPathRelative)
	}

	return errors.Join(errs...)
}
