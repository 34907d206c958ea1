// Package device models the simulated OPC-UA device: six attributes on a
// single object, their kinds and writability, and the stores that hold
// their live values.
//
// # Attributes
//
//	switch                 bool    writable   initial true
//	temperature            double  read-only  initial 0, simulator owned
//	humidity               double  read-only  initial 0, simulator owned
//	temperature_threshold  double  writable   initial 40
//	humidity_threshold     double  writable   initial 60
//	device_name            string  read-only  fixed label
//
// # Stores
//
// Store is the live value holder. The simulator writes through Set
// directly; every external surface (HTTP API, MQTT commands, restored
// settings) goes through Write, which rejects read-only attributes with
// ErrReadOnly before anything is stored.
//
//   - MemoryStore: in-process, used by tests and headless runs
//   - opcuaserver.NodeStore: backed by the OPC-UA variable nodes
//
// # Persistence
//
// SQLiteSettingsRepository keeps the writable attributes across restarts
// and SQLiteReadingRepository keeps the per-cycle reading history. Both
// expect the schema from the migrations package.
package device
