// Package config loads and validates the YAML server configuration.
// Listener and observability blocks are parsed but treated as opaque:
// the core hands them to whatever transport and telemetry adapters
// embed it.
package config
