// Package history persists published entity state changes to SQLite.
//
// Every attribute set the bridge publishes is recorded as one JSON row, so
// a wallpad's recent activity survives bridge restarts and can be inspected
// without a separate time-series stack. History is optional; the bridge
// runs without it.
package history
