// Package database provides SQLite connectivity for the simulator.
//
// It is used for two things: persisting the client-writable device
// settings (switch and thresholds) across restarts, and keeping a local
// history of simulated readings. Both are optional and disabled unless
// database.enabled is set.
//
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Versioned up/down migrations recorded in schema_migrations
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
