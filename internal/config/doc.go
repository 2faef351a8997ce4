// Package config loads the studio-relay YAML configuration.
//
// Configuration files support ${VAR_NAME} environment variable expansion and
// Go duration strings ("30s", "30m") for timing fields. Load validates
// required fields and returns the first problem it finds.
package config
