// Package config loads the daemon configuration from a JSON file and fills
// in defaults for every section that the operator leaves empty.
package config
