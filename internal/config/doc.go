// Package config provides configuration loading and validation for the MediNote
// ingestion server and recording client. It reads YAML on top of built-in defaults,
// applies secret overrides from the environment and validates every section.
package config
