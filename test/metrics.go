package test

import "github.com/prometheus/client_golang/prometheus"

// newIsolatedRegisterer gives every node its own prometheus registry so
// parallel nodes in a cluster never collide registering the same metric
// names against the global default registry.
func newIsolatedRegisterer() prometheus.Registerer {
	return prometheus.NewRegistry()
}
