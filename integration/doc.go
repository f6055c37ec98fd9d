//go:build integration

// Package integration provides integration tests for fastpull.
//
// These tests require Docker. They spin up a real OCI registry and a Redis
// server using testcontainers.
// Run with: go test -tags=integration ./integration/...
package integration
