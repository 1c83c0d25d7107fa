// Package influxdb provides the long-term metric sink used by the metrics
// collector.
//
// The in-memory ring buffer keeps one hour of samples; everything older
// lives in InfluxDB. Writes are non-blocking and batched, so a slow or
// unavailable InfluxDB never stalls metric ingestion:
//
//	sink, err := influxdb.Connect(cfg.Metrics.InfluxDB)
//	if err != nil { ... }
//	defer sink.Close()
//
//	sink.WriteSample("latency_ms", "voice-router", tags, 41.2, sampledAt)
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package influxdb
