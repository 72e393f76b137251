// Package api exposes the HTTP surface: synchronous queries, asynchronous
// task submission and inspection, the tool catalog, run history, health and
// Prometheus metrics.
package api
