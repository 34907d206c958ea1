// Package api provides the HTTP REST API and WebSocket stream of the
// OPC-UA device simulator.
//
// Routes:
//
//	GET  /api/v1/health                 component health (503 when degraded)
//	GET  /api/v1/device                 current attribute values
//	PUT  /api/v1/device/{attribute}     {"value": ...}, HTTP Basic auth
//	GET  /api/v1/device/history?limit=N recorded readings, newest first
//	GET  /api/v1/ws                     subscribe to "device.snapshot"
//	GET  /metrics                       Prometheus exposition
//
// Writes follow the OPC-UA access levels: read-only attributes answer 403,
// unknown attributes 404, values of the wrong kind 400. Basic auth uses
// the same username and password as the OPC-UA endpoint.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
