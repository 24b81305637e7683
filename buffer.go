package prognos

import (
	"sort"
	"sync"
)

// SampleBufferConfig configures per-asset sample retention.
type SampleBufferConfig struct {
	// MaxSamplesPerAsset bounds metric retention per (tenant, asset).
	// Oldest samples are evicted first. Default: 10000
	MaxSamplesPerAsset int

	// MaxLogsPerAsset bounds log retention per (tenant, asset). Default: 5000
	MaxLogsPerAsset int
}

// DefaultSampleBufferConfig returns sensible defaults.
func DefaultSampleBufferConfig() SampleBufferConfig {
	return SampleBufferConfig{
		MaxSamplesPerAsset: 10000,
		MaxLogsPerAsset:    5000,
	}
}

// SampleBuffer accumulates incoming metric and log batches per (tenant, asset)
// and exposes windowed reads. Ingestion order is not trusted: reads always
// return samples sorted by timestamp, and an exact duplicate of
// (metric, timestamp) is resolved last-write-wins.
type SampleBuffer struct {
	config SampleBufferConfig
	mu     sync.RWMutex
	series map[assetKey][]MetricSample
	logs   map[assetKey][]LogRecord
	sorted map[assetKey]bool
}

// NewSampleBuffer creates a new sample buffer.
func NewSampleBuffer(config SampleBufferConfig) *SampleBuffer {
	if config.MaxSamplesPerAsset <= 0 {
		config.MaxSamplesPerAsset = 10000
	}
	if config.MaxLogsPerAsset <= 0 {
		config.MaxLogsPerAsset = 5000
	}
	return &SampleBuffer{
		config: config,
		series: make(map[assetKey][]MetricSample),
		logs:   make(map[assetKey][]LogRecord),
		sorted: make(map[assetKey]bool),
	}
}

// AddMetrics appends validated metric samples for a tenant's asset.
func (b *SampleBuffer) AddMetrics(tenant string, samples []MetricSample) {
	if len(samples) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	byAsset := make(map[assetKey][]MetricSample)
	for _, s := range samples {
		k := assetKey{Tenant: tenant, Asset: s.AssetID}
		byAsset[k] = append(byAsset[k], s)
	}

	for k, batch := range byAsset {
		b.series[k] = append(b.series[k], batch...)
		b.sorted[k] = false
		if excess := len(b.series[k]) - b.config.MaxSamplesPerAsset; excess > 0 {
			b.sortLocked(k)
			b.series[k] = b.series[k][excess:]
		}
	}
}

// AddLogs appends validated log records for a tenant's asset. Cluster IDs are
// assigned asynchronously by the log clusterer; records start unclustered.
func (b *SampleBuffer) AddLogs(tenant string, records []LogRecord) {
	if len(records) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, r := range records {
		r.ClusterID = -1
		k := assetKey{Tenant: tenant, Asset: r.AssetID}
		b.logs[k] = append(b.logs[k], r)
		if excess := len(b.logs[k]) - b.config.MaxLogsPerAsset; excess > 0 {
			b.logs[k] = b.logs[k][excess:]
		}
	}
}

// Read returns samples for (tenant, asset) in [start, end], sorted by
// timestamp with exact-duplicate (metric, timestamp) keys deduplicated
// last-write-wins. Samples sharing a timestamp across different metrics are
// all retained.
func (b *SampleBuffer) Read(tenant, asset string, start, end int64) []MetricSample {
	k := assetKey{Tenant: tenant, Asset: asset}

	// The sort and the filtered copy stay under one critical section so a
	// concurrent writer cannot reorder the slice mid-read.
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sortLocked(k)
	series := b.series[k]

	type dupKey struct {
		metric string
		ts     int64
	}
	seen := make(map[dupKey]int)
	out := make([]MetricSample, 0, len(series))
	for _, s := range series {
		if s.Timestamp < start || s.Timestamp > end {
			continue
		}
		dk := dupKey{metric: s.Metric, ts: s.Timestamp}
		if idx, ok := seen[dk]; ok {
			// Last write wins for exact duplicates.
			out[idx] = s
			continue
		}
		seen[dk] = len(out)
		out = append(out, s)
	}
	return out
}

// ReadLogs returns log records for (tenant, asset) in [start, end], sorted by
// timestamp.
func (b *SampleBuffer) ReadLogs(tenant, asset string, start, end int64) []LogRecord {
	k := assetKey{Tenant: tenant, Asset: asset}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []LogRecord
	for _, r := range b.logs[k] {
		if r.Timestamp >= start && r.Timestamp <= end {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// AssignClusters stamps cluster IDs onto buffered log records, matched by
// (asset, timestamp, text).
func (b *SampleBuffer) AssignClusters(tenant string, assigned []LogRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, a := range assigned {
		k := assetKey{Tenant: tenant, Asset: a.AssetID}
		records := b.logs[k]
		for i := range records {
			if records[i].Timestamp == a.Timestamp && records[i].Text == a.Text {
				records[i].ClusterID = a.ClusterID
			}
		}
	}
}

// Assets returns the asset IDs buffered for a tenant.
func (b *SampleBuffer) Assets(tenant string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set := make(map[string]struct{})
	for k := range b.series {
		if k.Tenant == tenant {
			set[k.Asset] = struct{}{}
		}
	}
	for k := range b.logs {
		if k.Tenant == tenant {
			set[k.Asset] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// SampleCount returns the number of buffered samples for (tenant, asset).
func (b *SampleBuffer) SampleCount(tenant, asset string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.series[assetKey{Tenant: tenant, Asset: asset}])
}

// sortLocked sorts a series by timestamp if it has unsorted appends. Stable
// sort preserves arrival order among equal timestamps so that the
// last-written duplicate stays last.
func (b *SampleBuffer) sortLocked(k assetKey) {
	if b.sorted[k] {
		return
	}
	sort.SliceStable(b.series[k], func(i, j int) bool {
		return b.series[k][i].Timestamp < b.series[k][j].Timestamp
	})
	b.sorted[k] = true
}
