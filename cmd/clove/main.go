// Package main provides the clove CLI: a relationship-based
// authorization service speaking the clove.v1.Authz gRPC protocol.
//
// The CLI supports:
//   - serve: Run the gRPC server and debug listener
//   - validate: Check authorization model syntax and semantics
//   - migrate: Apply the storage schema to PostgreSQL
//   - status: Show migration and data state
//   - config: Show the effective configuration
//
// Commands that require database access (serve with the postgres
// driver, migrate, status) need database.url or the discrete
// database.* settings. Validate works on files alone.
package main

func main() {
	Execute()
}
