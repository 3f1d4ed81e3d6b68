package monitoring

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"exodetect/inference"
)

// MetricType 指标类型
type MetricType string

const (
	MetricTypeCounter MetricType = "counter"
	MetricTypeGauge   MetricType = "gauge"
	MetricTypeSummary MetricType = "summary"
)

const (
	metricAnalyses   = "exodetect_analyses_total"
	metricConfidence = "exodetect_prediction_confidence"
	metricGoroutines = "exodetect_goroutines"
	metricHeapAlloc  = "exodetect_memory_heap_alloc_bytes"

	// 每个序列保留的最大样本数
	maxSamples = 1000
)

// Metric 指标样本
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Help      string            `json:"help,omitempty"`
}

// MetricSummary 指标摘要
type MetricSummary struct {
	Name    string    `json:"name"`
	Count   int       `json:"count"`
	Latest  float64   `json:"latest"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Average float64   `json:"average"`
	Updated time.Time `json:"updated"`
}

// MetricsCollector 指标收集器，按名称和标签区分序列
type MetricsCollector struct {
	mu     sync.RWMutex
	series map[string][]Metric

	startTime time.Time
	now       func() time.Time
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		series:    make(map[string][]Metric),
		startTime: time.Now(),
		now:       time.Now,
	}
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "{" + formatLabels(labels) + "}"
}

func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return strings.Join(pairs, ",")
}

// RecordMetric 记录指标
func (mc *MetricsCollector) RecordMetric(metric Metric) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.recordLocked(metric)
}

func (mc *MetricsCollector) recordLocked(metric Metric) {
	metric.Timestamp = mc.now()
	key := seriesKey(metric.Name, metric.Labels)
	samples := append(mc.series[key], metric)
	// 限制历史大小
	if len(samples) > maxSamples {
		samples = append([]Metric(nil), samples[len(samples)-maxSamples:]...)
	}
	mc.series[key] = samples
}

// IncrCounter 增加计数器
func (mc *MetricsCollector) IncrCounter(name, help string, delta float64, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	value := delta
	if samples := mc.series[seriesKey(name, labels)]; len(samples) > 0 {
		value += samples[len(samples)-1].Value
	}
	mc.recordLocked(Metric{Name: name, Type: MetricTypeCounter, Value: value, Labels: labels, Help: help})
}

// SetGauge 设置仪表
func (mc *MetricsCollector) SetGauge(name, help string, value float64, labels map[string]string) {
	mc.RecordMetric(Metric{Name: name, Type: MetricTypeGauge, Value: value, Labels: labels, Help: help})
}

// GetMetric 获取指标序列的副本
func (mc *MetricsCollector) GetMetric(name string, labels map[string]string) ([]Metric, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	samples, ok := mc.series[seriesKey(name, labels)]
	if !ok {
		return nil, fmt.Errorf("metric %s not found", seriesKey(name, labels))
	}
	return append([]Metric(nil), samples...), nil
}

// GetMetricSummary 获取指标摘要
func (mc *MetricsCollector) GetMetricSummary(name string, labels map[string]string) (MetricSummary, error) {
	samples, err := mc.GetMetric(name, labels)
	if err != nil {
		return MetricSummary{}, err
	}

	last := samples[len(samples)-1]
	summary := MetricSummary{
		Name:    seriesKey(name, labels),
		Count:   len(samples),
		Latest:  last.Value,
		Min:     samples[0].Value,
		Max:     samples[0].Value,
		Updated: last.Timestamp,
	}
	sum := 0.0
	for _, m := range samples {
		sum += m.Value
		summary.Min = min(summary.Min, m.Value)
		summary.Max = max(summary.Max, m.Value)
	}
	summary.Average = sum / float64(len(samples))
	return summary, nil
}

// counterValue 计数器当前值，不存在时为0
func (mc *MetricsCollector) counterValue(name string, labels map[string]string) float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	samples := mc.series[seriesKey(name, labels)]
	if len(samples) == 0 {
		return 0
	}
	return samples[len(samples)-1].Value
}

// collectSystemMetrics 记录运行时指标
func (mc *MetricsCollector) collectSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.SetGauge(metricGoroutines, "Number of goroutines", float64(runtime.NumGoroutine()), nil)
	mc.SetGauge(metricHeapAlloc, "Memory heap allocated in bytes", float64(m.HeapAlloc), nil)
}

// Observer 返回供inference.Invoker调用的回调
func (mc *MetricsCollector) Observer() inference.Observer {
	return func(_ context.Context, p inference.Prediction) {
		verdict := "false_positive"
		if p.Positive() {
			verdict = "confirmed"
		}
		mc.IncrCounter(metricAnalyses, "Number of finished analyses", 1, map[string]string{"verdict": verdict})
		mc.RecordMetric(Metric{
			Name:  metricConfidence,
			Type:  MetricTypeSummary,
			Value: p.Confidence,
			Help:  "Confidence of the predicted class",
		})
	}
}

// ExportPrometheus 以Prometheus文本格式导出每个序列的最新值
func (mc *MetricsCollector) ExportPrometheus(w io.Writer) error {
	mc.collectSystemMetrics()

	mc.mu.RLock()
	latest := make([]Metric, 0, len(mc.series))
	for _, samples := range mc.series {
		if len(samples) > 0 {
			latest = append(latest, samples[len(samples)-1])
		}
	}
	mc.mu.RUnlock()

	sort.Slice(latest, func(i, j int) bool {
		return seriesKey(latest[i].Name, latest[i].Labels) < seriesKey(latest[j].Name, latest[j].Labels)
	})

	described := make(map[string]bool)
	for _, metric := range latest {
		if !described[metric.Name] {
			described[metric.Name] = true
			help := metric.Help
			if help == "" {
				help = "Metric " + metric.Name
			}
			// summary只导出最新样本，按gauge声明
			typ := metric.Type
			if typ == MetricTypeSummary {
				typ = MetricTypeGauge
			}
			if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", metric.Name, help, metric.Name, typ); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s %g %d\n", seriesKey(metric.Name, metric.Labels), metric.Value, metric.Timestamp.UnixMilli()); err != nil {
			return err
		}
	}
	return nil
}

// ServeHTTP 输出Prometheus格式指标
func (mc *MetricsCollector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	mc.ExportPrometheus(w)
}

// GetUptime 获取运行时间
func (mc *MetricsCollector) GetUptime() time.Duration {
	return time.Since(mc.startTime)
}

// AnalysisStats 分析统计
type AnalysisStats struct {
	Uptime        string         `json:"uptime"`
	Analyses      int64          `json:"analyses"`
	Confirmed     int64          `json:"confirmed"`
	FalsePositive int64          `json:"false_positive"`
	Confidence    *MetricSummary `json:"confidence,omitempty"`
	Goroutines    int            `json:"goroutines"`
	HeapAlloc     uint64         `json:"heap_alloc"`
}

// Snapshot 获取分析统计快照
func (mc *MetricsCollector) Snapshot() AnalysisStats {
	confirmed := int64(mc.counterValue(metricAnalyses, map[string]string{"verdict": "confirmed"}))
	falsePositive := int64(mc.counterValue(metricAnalyses, map[string]string{"verdict": "false_positive"}))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := AnalysisStats{
		Uptime:        mc.GetUptime().Round(time.Second).String(),
		Analyses:      confirmed + falsePositive,
		Confirmed:     confirmed,
		FalsePositive: falsePositive,
		Goroutines:    runtime.NumGoroutine(),
		HeapAlloc:     m.HeapAlloc,
	}
	if summary, err := mc.GetMetricSummary(metricConfidence, nil); err == nil {
		stats.Confidence = &summary
	}
	return stats
}
