// Package server hosts the Fiber diagnostics service that sits in front of the
// module engine, together with the bootstrap helpers that turn configuration
// into a host loader and an engine. Routes live in the routes subpackage so the
// CLI and tests can attach them to any App built here.
package server
