/*
Package metrics provides Prometheus metrics for the attachments service.

A Collector owns a private registry and exposes it through Handler, which the HTTP
server mounts at the configured path. It records:

  - attachment operations (put, get, delete) with duration, payload size and outcome
  - errors by operation and error code
  - tenant client cache hits, misses and the number of cached tenants
  - subscribe and unsubscribe outcomes
  - status checks per asynchronous broker operation
  - objects removed by shared-bucket teardown

Components receive a *Collector that may be nil; recording on a nil or disabled
collector does nothing, so tests can omit it.
*/
package metrics
