// Package metrics exports gauges computed by xmover commands in the
// Prometheus text format, for node_exporter's textfile collector.
//
// A nil *Exporter is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cratedb/xmover/internal/model"
)

const namespace = "xmover"

// Exporter holds the gauges of one command run.
type Exporter struct {
	reg *prometheus.Registry

	nodeDiskUsage   *prometheus.GaugeVec
	nodeHeapUsage   *prometheus.GaugeVec
	nodeAvailableGB *prometheus.GaugeVec
	zoneShards      *prometheus.GaugeVec
	recoveries      *prometheus.GaugeVec
	translogTables  prometheus.Gauge
	translogMaxMB   *prometheus.GaugeVec
	resetTables     *prometheus.GaugeVec
	commandDuration *prometheus.GaugeVec
	commandSuccess  *prometheus.GaugeVec
	lastRun         prometheus.Gauge
}

// New registers every xmover gauge on a fresh registry.
func New() *Exporter {
	e := &Exporter{
		reg: prometheus.NewRegistry(),
		nodeDiskUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_disk_usage_percent",
			Help: "Filesystem usage of a CrateDB node.",
		}, []string{"node", "zone"}),
		nodeHeapUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_heap_usage_percent",
			Help: "Heap usage of a CrateDB node.",
		}, []string{"node", "zone"}),
		nodeAvailableGB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_available_gb",
			Help: "Free filesystem space of a CrateDB node in GiB.",
		}, []string{"node", "zone"}),
		zoneShards: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "zone_shards",
			Help: "Shard copies per zone and copy type.",
		}, []string{"zone", "type"}),
		recoveries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "recoveries",
			Help: "Shard recoveries by state.",
		}, []string{"state"}),
		translogTables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "problematic_translog_tables",
			Help: "Tables or partitions with a replica above its adaptive translog threshold.",
		}),
		translogMaxMB: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "translog_max_uncommitted_mb",
			Help: "Largest uncommitted replica translog per table or partition.",
		}, []string{"table"}),
		resetTables: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "replica_reset_tables",
			Help: "Tables handled by the last replica reset, by outcome.",
		}, []string{"outcome"}),
		commandDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "command_duration_seconds",
			Help: "Wall time of the last run of a command.",
		}, []string{"command"}),
		commandSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "command_success",
			Help: "1 when the last run of a command succeeded.",
		}, []string{"command"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_run_timestamp_seconds",
			Help: "Unix time of the last xmover run.",
		}),
	}
	e.reg.MustRegister(
		e.nodeDiskUsage, e.nodeHeapUsage, e.nodeAvailableGB, e.zoneShards,
		e.recoveries, e.translogTables, e.translogMaxMB, e.resetTables,
		e.commandDuration, e.commandSuccess, e.lastRun,
	)
	return e
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry {
	if e == nil {
		return nil
	}
	return e.reg
}

// ObserveNodes records disk, heap and free space per node.
func (e *Exporter) ObserveNodes(nodes []model.NodeInfo) {
	if e == nil {
		return
	}
	for _, n := range nodes {
		e.nodeDiskUsage.WithLabelValues(n.Name, n.Zone).Set(n.DiskUsagePercent())
		e.nodeHeapUsage.WithLabelValues(n.Name, n.Zone).Set(n.HeapUsagePercent())
		e.nodeAvailableGB.WithLabelValues(n.Name, n.Zone).Set(n.AvailableSpaceGB())
	}
}

// ObserveDistribution records shard copies per zone.
func (e *Exporter) ObserveDistribution(d *model.DistributionSummary) {
	if e == nil || d == nil {
		return
	}
	for zone, z := range d.ByZone {
		e.zoneShards.WithLabelValues(zone, "primary").Set(float64(z.Primary))
		e.zoneShards.WithLabelValues(zone, "replica").Set(float64(z.Replica))
	}
}

// ObserveRecoveries records active and completed recovery counts.
func (e *Exporter) ObserveRecoveries(active, completed, pending int) {
	if e == nil {
		return
	}
	e.recoveries.WithLabelValues("active").Set(float64(active))
	e.recoveries.WithLabelValues("completed").Set(float64(completed))
	e.recoveries.WithLabelValues("pending").Set(float64(pending))
}

// ObserveTranslogs records problematic translog tables.
func (e *Exporter) ObserveTranslogs(tables []*model.TranslogTable) {
	if e == nil {
		return
	}
	e.translogTables.Set(float64(len(tables)))
	for _, t := range tables {
		e.translogMaxMB.WithLabelValues(t.Key()).Set(t.MaxTranslogMB)
	}
}

// ObserveReset records replica reset outcomes.
func (e *Exporter) ObserveReset(succeeded, failed, skipped int) {
	if e == nil {
		return
	}
	e.resetTables.WithLabelValues("succeeded").Set(float64(succeeded))
	e.resetTables.WithLabelValues("failed").Set(float64(failed))
	e.resetTables.WithLabelValues("skipped").Set(float64(skipped))
}

// ObserveCommand records a finished command.
func (e *Exporter) ObserveCommand(name string, d time.Duration, err error, at time.Time) {
	if e == nil {
		return
	}
	e.commandDuration.WithLabelValues(name).Set(d.Seconds())
	ok := 0.0
	if err == nil {
		ok = 1
	}
	e.commandSuccess.WithLabelValues(name).Set(ok)
	e.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile atomically writes every gauge to path.
func (e *Exporter) WriteTextfile(path string) error {
	if e == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, e.reg); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
