// Package store provides persistence implementations for the
// automation engine: an in-memory store for tests and single-process
// deployments, and a DynamoDB single-table store for production.
//
// Get operations return (nil, nil) for absent records, except GetRun,
// which errors: run IDs are only ever minted by the engine, so a
// missing run is a caller bug rather than an expected lookup miss.
package store
