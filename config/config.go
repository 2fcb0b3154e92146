// Package config loads settings from the environment, with defaults for
// anything unset. RelayConfig (relay.go) is the only consumer of this
// file's helper; it stays a separate file rather than merging into
// RelayConfig so a future second binary can add its own *Config without
// touching the relay's.
package config

import "os"

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
