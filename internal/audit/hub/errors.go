package hub

import (
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"acta/internal/audit"
)

// ErrorCluster groups recent handler failures that share a normalized error
// message, so the dashboard shows "DeleteProduct failed 14 times" instead of
// 14 separate rows.
type ErrorCluster struct {
	HandlerName   string    `json:"handlerName"`
	Pattern       string    `json:"pattern"`
	Count         int       `json:"count"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	SampleMessage string    `json:"sampleMessage"`
	SampleID      string    `json:"sampleCorrelationId"`
}

var (
	uuidPattern   = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	numberPattern = regexp.MustCompile(`\d+`)
)

// normalizeMessage collapses variable parts of an error message so instances
// of the same failure cluster together.
func normalizeMessage(message string) string {
	out := uuidPattern.ReplaceAllString(message, "<id>")
	out = numberPattern.ReplaceAllString(out, "<n>")
	return strings.ToLower(strings.TrimSpace(out))
}

// errorTracker maintains failure clusters per tenant scope.
type errorTracker struct {
	mu          sync.Mutex
	byTenant    map[string]map[string]*ErrorCluster
	maxClusters int
}

func newErrorTracker(maxClusters int) *errorTracker {
	if maxClusters <= 0 {
		maxClusters = 200
	}
	return &errorTracker{
		byTenant:    make(map[string]map[string]*ErrorCluster),
		maxClusters: maxClusters,
	}
}

// Observe folds a failed handler record into its cluster.
func (t *errorTracker) Observe(rec *audit.HandlerRecord) {
	if rec.Success {
		return
	}
	pattern := normalizeMessage(rec.ErrorMessage)
	key := rec.HandlerName + "|" + pattern

	t.mu.Lock()
	defer t.mu.Unlock()

	clusters, ok := t.byTenant[rec.TenantID]
	if !ok {
		clusters = make(map[string]*ErrorCluster)
		t.byTenant[rec.TenantID] = clusters
	}
	cluster, ok := clusters[key]
	if !ok {
		if len(clusters) >= t.maxClusters {
			evictOldest(clusters)
		}
		cluster = &ErrorCluster{
			HandlerName:   rec.HandlerName,
			Pattern:       pattern,
			FirstSeen:     rec.EndTime,
			SampleMessage: rec.ErrorMessage,
			SampleID:      rec.CorrelationID,
		}
		clusters[key] = cluster
	}
	cluster.Count++
	cluster.LastSeen = rec.EndTime
}

func evictOldest(clusters map[string]*ErrorCluster) {
	var oldestKey string
	var oldest time.Time
	for key, cluster := range clusters {
		if oldestKey == "" || cluster.LastSeen.Before(oldest) {
			oldestKey = key
			oldest = cluster.LastSeen
		}
	}
	delete(clusters, oldestKey)
}

// Summary returns the tenant's clusters, most frequent first, capped at
// maxClusters when positive. The platform scope (empty tenant id) sees all
// tenants merged.
func (t *errorTracker) Summary(tenantID string, maxClusters int) []ErrorCluster {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []ErrorCluster
	if tenantID == "" {
		for _, clusters := range t.byTenant {
			for _, cluster := range clusters {
				out = append(out, *cluster)
			}
		}
	} else {
		for _, cluster := range t.byTenant[tenantID] {
			out = append(out, *cluster)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if maxClusters > 0 && len(out) > maxClusters {
		out = out[:maxClusters]
	}
	return out
}
