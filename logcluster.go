package prognos

import (
	"hash/fnv"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogClustererConfig configures log template clustering.
type LogClustererConfig struct {
	// MinClusterSize is the minimum number of records forming a cluster;
	// smaller groups stay noise. Default: 3
	MinClusterSize int

	// Epsilon is the cosine-distance neighborhood radius. Default: 0.35
	Epsilon float64

	// HashDim is the dimensionality of the hashed term-frequency embedding.
	// Default: 256
	HashDim int

	// MaxExemplars bounds how many embeddings are remembered per cluster for
	// stable re-identification across runs. Default: 5
	MaxExemplars int

	// PreAnomalyWindow is the interval before an anomaly in which a cluster's
	// rate is compared against its baseline. Default: 30m
	PreAnomalyWindow time.Duration

	// CorrelationFactor is the rate multiplier above which a cluster is
	// flagged as anomaly-correlated. Default: 3.0
	CorrelationFactor float64
}

// DefaultLogClustererConfig returns sensible defaults.
func DefaultLogClustererConfig() LogClustererConfig {
	return LogClustererConfig{
		MinClusterSize:    3,
		Epsilon:           0.35,
		HashDim:           256,
		MaxExemplars:      5,
		PreAnomalyWindow:  30 * time.Minute,
		CorrelationFactor: 3.0,
	}
}

// ClusterSummary describes one discovered log cluster.
type ClusterSummary struct {
	ID             int     `json:"id"`
	Size           int     `json:"size"`
	Representative string  `json:"representative"`
	Correlated     bool    `json:"correlated"`
	RateFactor     float64 `json:"rate_factor"`
}

// Variable-content patterns replaced before embedding, most specific first so
// a UUID is not shredded into hex fragments and numbers.
var logNormalizers = []struct {
	re    *regexp.Regexp
	token string
}{
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`), "<TS>"},
	{regexp.MustCompile(`[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}`), "<UUID>"},
	{regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`), "<EMAIL>"},
	{regexp.MustCompile(`https?://\S+`), "<URL>"},
	{regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`), "<IP>"},
	{regexp.MustCompile(`(?:/[\w.-]+){2,}`), "<PATH>"},
	{regexp.MustCompile(`\b0x[a-fA-F0-9]+\b`), "<HEX>"},
	{regexp.MustCompile(`\b[a-fA-F0-9]{12,}\b`), "<HEX>"},
	{regexp.MustCompile(`\b\d+(?:\.\d+)?\b`), "<NUM>"},
}

// NormalizeLogText strips variable content (timestamps, IDs, addresses,
// numbers) so records sharing a template embed identically.
func NormalizeLogText(text string) string {
	out := text
	for _, n := range logNormalizers {
		out = n.re.ReplaceAllString(out, n.token)
	}
	return strings.Join(strings.Fields(out), " ")
}

// clusterState is the remembered identity of one cluster: its stable ID and a
// small exemplar set used to re-recognize it on later runs.
type clusterState struct {
	id        int
	exemplars [][]float64
}

// LogClusterer groups log records by template similarity. Clustering is
// density-based: records within Epsilon cosine distance of enough neighbors
// form clusters, everything else stays noise with cluster ID -1. Cluster IDs
// are stable across runs: a rediscovered cluster keeps its ID as long as its
// medoid stays within Epsilon of a remembered exemplar.
type LogClusterer struct {
	config LogClustererConfig

	mu     sync.Mutex
	states map[string][]clusterState // per tenant
	nextID map[string]int
}

// NewLogClusterer creates a new log clusterer.
func NewLogClusterer(config LogClustererConfig) *LogClusterer {
	if config.MinClusterSize <= 0 {
		config.MinClusterSize = 3
	}
	if config.Epsilon <= 0 {
		config.Epsilon = 0.35
	}
	if config.HashDim <= 0 {
		config.HashDim = 256
	}
	if config.MaxExemplars <= 0 {
		config.MaxExemplars = 5
	}
	if config.PreAnomalyWindow <= 0 {
		config.PreAnomalyWindow = 30 * time.Minute
	}
	if config.CorrelationFactor <= 0 {
		config.CorrelationFactor = 3.0
	}
	return &LogClusterer{
		config: config,
		states: make(map[string][]clusterState),
		nextID: make(map[string]int),
	}
}

// Cluster assigns cluster IDs to the given records and returns them together
// with per-cluster summaries. Unclustered records keep ID -1. The input slice
// is not modified.
func (c *LogClusterer) Cluster(tenant string, records []LogRecord) ([]LogRecord, []ClusterSummary) {
	if len(records) == 0 {
		return nil, nil
	}

	vecs := make([][]float64, len(records))
	for i := range records {
		vecs[i] = c.embed(records[i].Text)
	}

	labels := c.dbscan(vecs)

	// Group member indices by local label.
	groups := make(map[int][]int)
	for i, l := range labels {
		if l >= 0 {
			groups[l] = append(groups[l], i)
		}
	}

	// Deterministic label order.
	localLabels := make([]int, 0, len(groups))
	for l := range groups {
		localLabels = append(localLabels, l)
	}
	sort.Ints(localLabels)

	c.mu.Lock()
	idByLocal := make(map[int]int, len(groups))
	medoids := make(map[int]int, len(groups))
	for _, l := range localLabels {
		members := groups[l]
		medoids[l] = medoidIndex(vecs, members)
		idByLocal[l] = c.resolveIDLocked(tenant, vecs[medoids[l]])
	}
	c.mu.Unlock()

	out := make([]LogRecord, len(records))
	copy(out, records)
	for i, l := range labels {
		if l >= 0 {
			out[i].ClusterID = idByLocal[l]
		} else {
			out[i].ClusterID = -1
		}
	}

	summaries := make([]ClusterSummary, 0, len(groups))
	for _, l := range localLabels {
		summaries = append(summaries, ClusterSummary{
			ID:             idByLocal[l],
			Size:           len(groups[l]),
			Representative: records[medoids[l]].Text,
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })

	return out, summaries
}

// Correlate flags clusters whose record rate in the window before anomalies
// exceeds their baseline rate by the configured factor. Records must carry
// cluster IDs; anomalyTimes are UnixNano timestamps of anomalous windows.
func (c *LogClusterer) Correlate(records []LogRecord, anomalyTimes []int64, summaries []ClusterSummary) []ClusterSummary {
	if len(records) == 0 || len(anomalyTimes) == 0 || len(summaries) == 0 {
		return summaries
	}

	minTs, maxTs := records[0].Timestamp, records[0].Timestamp
	for _, r := range records {
		if r.Timestamp < minTs {
			minTs = r.Timestamp
		}
		if r.Timestamp > maxTs {
			maxTs = r.Timestamp
		}
	}
	span := float64(maxTs-minTs) / float64(time.Hour)
	if span <= 0 {
		span = 1.0 / 60
	}

	window := c.config.PreAnomalyWindow.Nanoseconds()
	windowHours := float64(window) / float64(time.Hour)

	preCount := make(map[int]int)
	total := make(map[int]int)
	for _, r := range records {
		if r.ClusterID < 0 {
			continue
		}
		total[r.ClusterID]++
		for _, at := range anomalyTimes {
			if r.Timestamp >= at-window && r.Timestamp < at {
				preCount[r.ClusterID]++
				break
			}
		}
	}

	out := make([]ClusterSummary, len(summaries))
	copy(out, summaries)
	preHours := windowHours * float64(len(anomalyTimes))
	for i := range out {
		id := out[i].ID
		if total[id] == 0 || preHours <= 0 {
			continue
		}
		baseRate := float64(total[id]) / span
		preRate := float64(preCount[id]) / preHours
		if baseRate > 0 {
			out[i].RateFactor = preRate / baseRate
			out[i].Correlated = out[i].RateFactor >= c.config.CorrelationFactor
		}
	}
	return out
}

// resolveIDLocked matches a medoid against remembered exemplars and either
// reuses the matched cluster's ID or mints a new one.
func (c *LogClusterer) resolveIDLocked(tenant string, medoid []float64) int {
	states := c.states[tenant]
	bestIdx, bestDist := -1, math.MaxFloat64
	for i := range states {
		for _, ex := range states[i].exemplars {
			d := cosineDistance(medoid, ex)
			if d < bestDist {
				bestDist = d
				bestIdx = i
			}
		}
	}
	if bestIdx >= 0 && bestDist <= c.config.Epsilon {
		st := &c.states[tenant][bestIdx]
		if len(st.exemplars) < c.config.MaxExemplars {
			st.exemplars = append(st.exemplars, medoid)
		}
		return st.id
	}

	id := c.nextID[tenant]
	c.nextID[tenant] = id + 1
	c.states[tenant] = append(c.states[tenant], clusterState{
		id:        id,
		exemplars: [][]float64{medoid},
	})
	return id
}

// embed maps normalized log text to an L2-normalized hashed term-frequency
// vector.
func (c *LogClusterer) embed(text string) []float64 {
	vec := make([]float64, c.config.HashDim)
	for _, tok := range strings.Fields(NormalizeLogText(strings.ToLower(text))) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[int(h.Sum32())%c.config.HashDim]++
	}
	norm := 0.0
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// dbscan runs density-based clustering over embeddings, returning a local
// label per record (-1 for noise).
func (c *LogClusterer) dbscan(vecs [][]float64) []int {
	const unvisited = -2
	n := len(vecs)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = unvisited
	}

	neighborsOf := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if j != i && cosineDistance(vecs[i], vecs[j]) <= c.config.Epsilon {
				out = append(out, j)
			}
		}
		return out
	}

	next := 0
	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}
		neighbors := neighborsOf(i)
		if len(neighbors)+1 < c.config.MinClusterSize {
			labels[i] = -1
			continue
		}
		label := next
		next++
		labels[i] = label

		queue := append([]int(nil), neighbors...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == -1 {
				labels[j] = label
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = label
			jn := neighborsOf(j)
			if len(jn)+1 >= c.config.MinClusterSize {
				queue = append(queue, jn...)
			}
		}
	}

	return labels
}

// medoidIndex returns the member index minimizing summed distance to the
// other members, with index order breaking ties.
func medoidIndex(vecs [][]float64, members []int) int {
	best, bestSum := members[0], math.MaxFloat64
	for _, i := range members {
		sum := 0.0
		for _, j := range members {
			if i != j {
				sum += cosineDistance(vecs[i], vecs[j])
			}
		}
		if sum < bestSum {
			bestSum = sum
			best = i
		}
	}
	return best
}

func cosineDistance(a, b []float64) float64 {
	dot := 0.0
	for i := range a {
		dot += a[i] * b[i]
	}
	if dot > 1 {
		dot = 1
	}
	if dot < 0 {
		dot = 0
	}
	return 1 - dot
}
