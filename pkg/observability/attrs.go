package observability

import "go.opentelemetry.io/otel/attribute"

// Semantic attribute keys shared by coordinator spans and metrics.
var (
	AttrTenantID     = attribute.Key("settld.tenant.id")
	AttrGateID       = attribute.Key("settld.gate.id")
	AttrStreamID     = attribute.Key("settld.stream.id")
	AttrEventKind    = attribute.Key("settld.event.kind")
	AttrRailProvider = attribute.Key("settld.rail.provider")
	AttrWorkerKind   = attribute.Key("settld.worker.kind")
)

// Tenant returns the tenant attribute.
func Tenant(tenantID string) attribute.KeyValue {
	return AttrTenantID.String(tenantID)
}

// Gate returns the gate attribute.
func Gate(gateID string) attribute.KeyValue {
	return AttrGateID.String(gateID)
}

// Worker returns the worker-kind attribute.
func Worker(kind string) attribute.KeyValue {
	return AttrWorkerKind.String(kind)
}
