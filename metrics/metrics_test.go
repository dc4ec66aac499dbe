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

package metrics_test

import (
	"context"
	"testing"

	"github.com/deep-rent/weave/di"
	"github.com/deep-rent/weave/event"
	"github.com/deep-rent/weave/log"
	"github.com/deep-rent/weave/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Clock struct{}

type OrderPlaced struct{ ID int }

// find returns the metric of the given family whose labels include all of
// the given pairs.
func find(t *testing.T, families []*dto.MetricFamily, name string, labels ...string) *dto.Metric {
	t.Helper()
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				matched := false
				for _, p := range m.GetLabel() {
					if p.GetName() == labels[i] && p.GetValue() == labels[i+1] {
						matched = true
					}
				}
				if !matched {
					continue next
				}
			}
			return m
		}
	}
	require.Failf(t, "metric not found", "%s %v", name, labels)
	return nil
}

func TestCollector(t *testing.T) {
	col := metrics.New("test")
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(col))

	c := di.New(di.WithObserver(col), di.WithLogger(log.Discard()))
	require.NoError(t, di.AddSingleton[*Clock](c, func() *Clock { return &Clock{} }))
	_, err := di.Resolve[*Clock](c)
	require.NoError(t, err)
	_, err = di.Resolve[*Clock](c)
	require.NoError(t, err)
	_, err = di.Resolve[*OrderPlaced](c)
	require.Error(t, err)

	bus := event.NewAggregator(
		event.WithObserver(col),
		event.WithLogger(log.Discard()),
	)
	ch := event.GetEvent[OrderPlaced](bus)
	ch.SubscribeFunc(func(OrderPlaced) {})
	ch.SubscribeAsync(func(context.Context, OrderPlaced) error { return assert.AnError })
	ch.Publish(t.Context(), OrderPlaced{ID: 1})
	ch.Publish(t.Context(), OrderPlaced{ID: 2})

	families, err := reg.Gather()
	require.NoError(t, err)

	assert.Equal(t, 2.0, find(t, families, "test_container_resolutions_total", "result", metrics.ResultOK).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, families, "test_container_resolutions_total", "result", metrics.ResultError).GetCounter().GetValue())
	assert.Equal(t, 1.0, find(t, families, "test_container_constructions_total", "lifetime", di.Singleton.String()).GetCounter().GetValue())

	name := ch.Name()
	assert.Equal(t, 2.0, find(t, families, "test_events_published_total", "event", name).GetCounter().GetValue())
	assert.Equal(t, 2.0, find(t, families, "test_events_handler_faults_total", "event", name).GetCounter().GetValue())

	h := find(t, families, "test_events_handlers_per_publish", "event", name).GetHistogram()
	assert.Equal(t, uint64(2), h.GetSampleCount())
	assert.Equal(t, 4.0, h.GetSampleSum())
}

func TestCollector_Pruned(t *testing.T) {
	col := metrics.New("")
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(col))

	col.Pruned("tick", 3)
	col.Pruned("tick", 2)

	families, err := reg.Gather()
	require.NoError(t, err)
	m := find(t, families, metrics.DefaultNamespace+"_events_pruned_subscriptions_total", "event", "tick")
	assert.Equal(t, 5.0, m.GetCounter().GetValue())
}

func TestCollector_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(metrics.New("dup")))
	assert.Error(t, reg.Register(metrics.New("dup")))
}
