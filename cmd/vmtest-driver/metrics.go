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
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/alexandremahdhaoui/vmtest/internal/metrics"
)

// setupMetrics returns the driver collectors registered on a fresh registry, along with the metrics server when
// config.MetricsAddr is set.
func setupMetrics(config *Config) (*metrics.Metrics, *http.Server) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), //nolint:exhaustruct
	)

	m := metrics.New(reg)
	if config.MetricsAddr == "" {
		return m, nil
	}

	path := config.MetricsPath
	if path == "" {
		path = defaultMetricsPath
	}

	return m, metrics.NewServer(config.MetricsAddr, path, reg)
}
