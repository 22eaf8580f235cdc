package perf

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/pterm/pterm"
)

// Render returns the operation table, the stage table and the total as printable text
func (t *Tracker) Render() (string, error) {
	records := t.Records()
	if len(records) == 0 {
		return "No performance data recorded\n", nil
	}

	ops := pterm.TableData{{"Stage", "Operation", "Duration"}}
	for _, r := range records {
		ops = append(ops, []string{r.Stage, r.Name, FormatDuration(r.Duration)})
	}
	opsTable, err := pterm.DefaultTable.WithHasHeader().WithData(ops).Srender()
	if err != nil {
		return "", err
	}

	stages := pterm.TableData{{"Stage", "Total Time"}}
	for _, s := range t.StageSummary() {
		stages = append(stages, []string{s.Stage, FormatDuration(s.Duration)})
	}
	stageTable, err := pterm.DefaultTable.WithHasHeader().WithData(stages).Srender()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("Performance Summary\n")
	b.WriteString(opsTable)
	b.WriteString("\n\nStage Summary\n")
	b.WriteString(stageTable)
	fmt.Fprintf(&b, "\n\nTotal Build Time: %s\n", FormatDuration(t.Total()))
	return b.String(), nil
}

// Registry exposes the stage totals as gauges on a fresh registry
func (t *Tracker) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	stage := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "firmforge",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each build stage of the last run.",
	}, []string{"stage"})
	ops := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "firmforge",
		Name:      "operation_duration_seconds",
		Help:      "Time spent in each operation of the last run.",
	}, []string{"stage", "operation"})
	total := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "firmforge",
		Name:        "build_duration_seconds",
		Help:        "Total time of the last run.",
		ConstLabels: prometheus.Labels{"run_id": t.RunID()},
	})
	reg.MustRegister(stage, ops, total)

	for _, s := range t.StageSummary() {
		stage.WithLabelValues(s.Stage).Set(s.Duration.Seconds())
	}
	for _, r := range t.Records() {
		ops.WithLabelValues(r.Stage, r.Name).Add(r.Duration.Seconds())
	}
	total.Set(t.Total().Seconds())
	return reg
}

// WriteTextfile writes the metrics in the node_exporter textfile collector format
func (t *Tracker) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, t.Registry())
}
