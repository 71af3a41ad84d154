package env

import "os"

// Get returns the value of the given environment variable or a fallback.
// Used for knobs read before the typed configuration is loaded, such as the
// logger's output format.
func Get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
