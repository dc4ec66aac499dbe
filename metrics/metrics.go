// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
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

// Package metrics exports container and event bus activity as Prometheus
// metrics.
//
// A Collector observes both a di.Container and an event.Aggregator and is
// itself a prometheus.Collector:
//
//	col := metrics.New("shop")
//	prometheus.MustRegister(col)
//	c := di.New(di.WithObserver(col))
//	bus := event.NewAggregator(event.WithObserver(col))
package metrics

import (
	"github.com/deep-rent/weave/di"
	"github.com/deep-rent/weave/event"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultNamespace prefixes all metric names unless New is given another.
const DefaultNamespace = "weave"

// Label values of the resolution counter.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Collector records resolutions, constructions, publications, handler
// faults and pruned subscriptions.
type Collector struct {
	resolutions   *prometheus.CounterVec
	constructions *prometheus.CounterVec
	publications  *prometheus.CounterVec
	deliveries    *prometheus.HistogramVec
	faults        *prometheus.CounterVec
	pruned        *prometheus.CounterVec
}

var (
	_ di.Observer          = (*Collector)(nil)
	_ event.Observer       = (*Collector)(nil)
	_ prometheus.Collector = (*Collector)(nil)
)

// New creates a Collector whose metrics live under the given namespace.
// A blank namespace falls back to DefaultNamespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Collector{
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "container",
				Name:      "resolutions_total",
				Help:      "Total number of service resolutions.",
			},
			[]string{"result"},
		),
		constructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "container",
				Name:      "constructions_total",
				Help:      "Total number of constructed service instances.",
			},
			[]string{"lifetime"},
		),
		publications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Total number of published events.",
			},
			[]string{"event"},
		),
		deliveries: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "handlers_per_publish",
				Help:      "Number of handlers invoked per published event.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 8), // 1 to 128
			},
			[]string{"event"},
		),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "handler_faults_total",
				Help:      "Total number of handlers that failed or panicked.",
			},
			[]string{"event"},
		),
		pruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "pruned_subscriptions_total",
				Help:      "Total number of reclaimed weak subscriptions removed.",
			},
			[]string{"event"},
		),
	}
}

// Resolved implements di.Observer.
func (c *Collector) Resolved(_ di.Key, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	c.resolutions.WithLabelValues(result).Inc()
}

// Constructed implements di.Observer.
func (c *Collector) Constructed(_ di.Key, lifetime di.Lifetime) {
	c.constructions.WithLabelValues(lifetime.String()).Inc()
}

// Published implements event.Observer.
func (c *Collector) Published(name string, delivered int) {
	c.publications.WithLabelValues(name).Inc()
	c.deliveries.WithLabelValues(name).Observe(float64(delivered))
}

// Faulted implements event.Observer.
func (c *Collector) Faulted(name string, _ error) {
	c.faults.WithLabelValues(name).Inc()
}

// Pruned implements event.Observer.
func (c *Collector) Pruned(name string, n int) {
	c.pruned.WithLabelValues(name).Add(float64(n))
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.resolutions,
		c.constructions,
		c.publications,
		c.deliveries,
		c.faults,
		c.pruned,
	}
}
