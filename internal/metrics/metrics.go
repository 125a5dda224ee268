// Copyright 2025 AUTHORS
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

// Package metrics exposes prometheus counters and gauges for cache and
// download activity. Nothing in this build serves them over HTTP (no
// server component exists in this spec); they are registered on a private
// registry so a caller can still scrape or dump them (e.g. for a post-build
// summary) without a global default-registry collision across builds.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Cache holds the counters updated by internal/cachestore.
type Cache struct {
	Hits           *prometheus.CounterVec
	Misses         *prometheus.CounterVec
	StaleHits      *prometheus.CounterVec
	Evictions      *prometheus.CounterVec
	BytesEvicted   *prometheus.CounterVec
	BytesAdmitted  *prometheus.CounterVec
	AdmitRejected  *prometheus.CounterVec
}

// Download holds the download counters. They are registered on the
// registry; no package in this module updates them.
type Download struct {
	Started    prometheus.Counter
	Completed  prometheus.Counter
	Failed     *prometheus.CounterVec
	BytesTotal prometheus.Counter
	Retries    prometheus.Counter
}

// Registry bundles both groups of metrics on one private registry.
type Registry struct {
	Reg      *prometheus.Registry
	Cache    *Cache
	Download *Download
}

// New creates and registers a fresh metrics registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	cache := &Cache{
		Hits:          prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cache_hits_total", Help: "Cache lookups that returned Hit."}, []string{"class"}),
		Misses:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cache_misses_total", Help: "Cache lookups that returned Miss."}, []string{"class"}),
		StaleHits:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cache_stale_hits_total", Help: "Cache lookups that returned StaleHit."}, []string{"class"}),
		Evictions:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cache_evictions_total", Help: "Entries evicted from the cache."}, []string{"class", "reason"}),
		BytesEvicted:  prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cache_bytes_evicted_total", Help: "Bytes freed by eviction."}, []string{"class"}),
		BytesAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cache_bytes_admitted_total", Help: "Bytes admitted into the cache."}, []string{"class"}),
		AdmitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "cache_admit_rejected_total", Help: "Admissions rejected."}, []string{"class", "reason"}),
	}
	dl := &Download{
		Started:    prometheus.NewCounter(prometheus.CounterOpts{Name: "download_items_started_total", Help: "Download items submitted to the engine."}),
		Completed:  prometheus.NewCounter(prometheus.CounterOpts{Name: "download_items_completed_total", Help: "Download items that completed successfully."}),
		Failed:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "download_items_failed_total", Help: "Download items that failed."}, []string{"reason"}),
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{Name: "download_bytes_total", Help: "Bytes downloaded across all items."}),
		Retries:    prometheus.NewCounter(prometheus.CounterOpts{Name: "download_retries_total", Help: "Per-item retry attempts."}),
	}

	reg.MustRegister(cache.Hits, cache.Misses, cache.StaleHits, cache.Evictions, cache.BytesEvicted, cache.BytesAdmitted, cache.AdmitRejected)
	reg.MustRegister(dl.Started, dl.Completed, dl.Failed, dl.BytesTotal, dl.Retries)

	return &Registry{Reg: reg, Cache: cache, Download: dl}
}

// The Inc*/Add* helpers below are nil-receiver safe, so callers (notably
// internal/cachestore) can pass a nil *Cache when metrics aren't wired
// in a given test or invocation without branching everywhere.

func (c *Cache) IncHit(class string) {
	if c == nil {
		return
	}
	c.Hits.WithLabelValues(class).Inc()
}

func (c *Cache) IncMiss(class string) {
	if c == nil {
		return
	}
	c.Misses.WithLabelValues(class).Inc()
}

func (c *Cache) IncStaleHit(class string) {
	if c == nil {
		return
	}
	c.StaleHits.WithLabelValues(class).Inc()
}

func (c *Cache) IncEviction(class, reason string) {
	if c == nil {
		return
	}
	c.Evictions.WithLabelValues(class, reason).Inc()
}

func (c *Cache) AddBytesEvicted(class string, n int64) {
	if c == nil {
		return
	}
	c.BytesEvicted.WithLabelValues(class).Add(float64(n))
}

func (c *Cache) AddBytesAdmitted(class string, n int64) {
	if c == nil {
		return
	}
	c.BytesAdmitted.WithLabelValues(class).Add(float64(n))
}

func (c *Cache) IncAdmitRejected(class, reason string) {
	if c == nil {
		return
	}
	c.AdmitRejected.WithLabelValues(class, reason).Inc()
}
