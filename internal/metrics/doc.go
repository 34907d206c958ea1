// Package metrics exports simulator readings and worker health to
// Prometheus.
//
// Metrics live on a private registry served by Collector.Handler, so
// tests and embedded uses never collide with the global default registry:
//
//	opcuasim_attribute_value{attribute="temperature"}  12.3
//	opcuasim_alarm{attribute="humidity"}                0
//	opcuasim_cycles_total                               42
//	opcuasim_sink_errors_total{sink="mqtt"}             1
//	opcuasim_build_info{version="dev"}                  1
package metrics
