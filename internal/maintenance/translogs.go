// Package maintenance provides translog cleanup, the replica reset state
// machine, node maintenance pre-flight checks and read checks.
//
// INVARIANTS:
// - A replica is problematic only above max(sizeMB, adaptive threshold)
// - Adaptive thresholds resolve partition first, then table, then sizeMB
// - A summary is kept only while at least one of its replicas is problematic
package maintenance

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cratedb/xmover/internal/cratedb"
	"github.com/cratedb/xmover/internal/model"
)

// AdaptiveShard is a problematic replica with the threshold it was judged by.
type AdaptiveShard struct {
	model.TranslogShard
	ConfigMB    float64 `json:"config_flush_mb"`
	ThresholdMB float64 `json:"threshold_mb"`
}

// TranslogReport is the result of a problematic translog scan.
type TranslogReport struct {
	SizeMB float64                `json:"size_mb"`
	Shards []AdaptiveShard        `json:"shards"`
	Tables []*model.TranslogTable `json:"tables"`
}

// Empty reports whether no replica crossed its threshold.
func (r *TranslogReport) Empty() bool {
	return r == nil || len(r.Shards) == 0
}

// Analyze scans replicas with translogs above sizeMB, applies adaptive
// thresholds and reads the current replica count of every affected table.
func Analyze(ctx context.Context, insp *cratedb.Inspector, sizeMB float64) (*TranslogReport, error) {
	shards, err := insp.ProblematicReplicas(ctx, sizeMB)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return &TranslogReport{SizeMB: sizeMB}, nil
	}
	tables, err := insp.TranslogSummaries(ctx, sizeMB)
	if err != nil {
		return nil, err
	}

	seen := make(map[cratedb.TableRef]bool)
	var refs []cratedb.TableRef
	for _, s := range shards {
		ref := cratedb.TableRef{Schema: s.SchemaName, Table: s.TableName}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	thresholds, err := insp.FlushThresholds(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve adaptive thresholds: %w", err)
	}

	report := ApplyAdaptiveThresholds(sizeMB, shards, tables, thresholds)
	for _, t := range report.Tables {
		t.CurrentReplicas = insp.ReplicaCount(ctx, t.SchemaName, t.TableName, t.PartitionIdent)
	}
	return report, nil
}

// thresholdFor returns the configured flush size and the adaptive threshold
// for a table or partition. Without a configured value both are sizeMB.
func thresholdFor(thresholds map[string]int64, schema, table, partitionValues string, sizeMB float64) (configMB, thresholdMB float64) {
	bytes, ok := thresholds[model.PartitionKey(schema, table, partitionValues)]
	if !ok {
		bytes, ok = thresholds[model.PartitionKey(schema, table, "")]
	}
	if !ok {
		return sizeMB, sizeMB
	}
	configMB = float64(bytes) / (1024 * 1024)
	return configMB, configMB * model.AdaptiveThresholdFactor
}

// ApplyAdaptiveThresholds filters the replicas returned for sizeMB down to
// those above their effective threshold and attaches them to their summary.
func ApplyAdaptiveThresholds(sizeMB float64, shards []model.TranslogShard, tables []*model.TranslogTable, thresholds map[string]int64) *TranslogReport {
	report := &TranslogReport{SizeMB: sizeMB}
	byKey := make(map[string][]AdaptiveShard)

	for _, s := range shards {
		configMB, thresholdMB := thresholdFor(thresholds, s.SchemaName, s.TableName, s.PartitionValues, sizeMB)
		if s.UncommittedMB() <= math.Max(sizeMB, thresholdMB) {
			continue
		}
		as := AdaptiveShard{TranslogShard: s, ConfigMB: configMB, ThresholdMB: thresholdMB}
		report.Shards = append(report.Shards, as)
		key := model.PartitionKey(s.SchemaName, s.TableName, s.PartitionValues)
		byKey[key] = append(byKey[key], as)
	}

	for _, t := range tables {
		kept := byKey[t.Key()]
		if len(kept) == 0 {
			continue
		}
		configMB, thresholdMB := thresholdFor(thresholds, t.SchemaName, t.TableName, t.PartitionValues, sizeMB)
		t.FlushThresholdConfigMB = configMB
		t.AdaptiveThresholdMB = thresholdMB
		t.Replicas = t.Replicas[:0]
		t.MaxTranslogMB = 0
		for _, s := range kept {
			t.Replicas = append(t.Replicas, model.ProblematicReplica{
				ShardID:       s.ShardID,
				NodeName:      s.NodeName,
				TranslogMB:    s.UncommittedMB(),
				ThresholdMB:   s.ThresholdMB,
				ConfigFlushMB: s.ConfigMB,
			})
			t.MaxTranslogMB = math.Max(t.MaxTranslogMB, s.UncommittedMB())
		}
		t.ProblematicReplicas = len(t.Replicas)
		report.Tables = append(report.Tables, t)
	}

	sort.SliceStable(report.Tables, func(i, j int) bool {
		return report.Tables[i].MaxTranslogMB > report.Tables[j].MaxTranslogMB
	})
	return report
}

// ThresholdGroups returns the distinct thresholds that were applied, keyed
// by table or partition, for display.
func (r *TranslogReport) ThresholdGroups() []ThresholdGroup {
	seen := make(map[string]bool)
	var out []ThresholdGroup
	for _, s := range r.Shards {
		key := model.PartitionKey(s.SchemaName, s.TableName, s.PartitionValues)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ThresholdGroup{Key: key, ConfigMB: s.ConfigMB, ThresholdMB: s.ThresholdMB})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ThresholdGroup is one resolved adaptive threshold.
type ThresholdGroup struct {
	Key         string
	ConfigMB    float64
	ThresholdMB float64
}
