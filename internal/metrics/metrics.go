// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus collectors for machine and switch
// activity during a test run.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vmtest"

// Command outcomes recorded by ObserveCommand.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

// Metrics bundles every collector the harness updates. The zero value is not
// usable; use New.
type Metrics struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	PollAttempts    *prometheus.CounterVec
	Boots           *prometheus.CounterVec
	MachinesUp      prometheus.Gauge
	Switches        prometheus.Counter
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and runs without a metrics endpoint
// use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Guest shell commands executed, by machine and outcome.",
		}, []string{"machine", "outcome"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall time of guest shell commands.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"machine"}),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Probe attempts made by waiting primitives.",
		}, []string{"machine", "kind"}),
		Boots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "machine_boots_total",
			Help:      "VM processes started.",
		}, []string{"machine"}),
		MachinesUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machines_up",
			Help:      "Machines whose guest shell is connected.",
		}),
		Switches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "switches_total",
			Help:      "Virtual switches started.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Commands, m.CommandDuration, m.PollAttempts, m.Boots, m.MachinesUp, m.Switches)
	}

	return m
}

// Noop returns unregistered collectors.
func Noop() *Metrics {
	return New(nil)
}

// ObserveCommand records one shell command round trip. err is the transport
// error, if any; status is the guest exit code otherwise.
func (m *Metrics) ObserveCommand(machine string, status int, err error, d time.Duration) {
	outcome := OutcomeSuccess
	switch {
	case err != nil:
		outcome = OutcomeError
	case status != 0:
		outcome = OutcomeFailure
	}
	m.Commands.WithLabelValues(machine, outcome).Inc()
	m.CommandDuration.WithLabelValues(machine).Observe(d.Seconds())
}

// Poll records a single probe attempt of the given kind.
func (m *Metrics) Poll(machine, kind string) {
	m.PollAttempts.WithLabelValues(machine, kind).Inc()
}

// NewServer returns an HTTP server exposing g on path at addr.
func NewServer(addr, path string, g prometheus.Gatherer) *http.Server {
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	return &http.Server{ //nolint:exhaustruct
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
