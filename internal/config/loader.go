package config

import "context"

// Loader abstracts where configuration comes from so callers are not tied
// to a particular source such as a file or environment.
type Loader interface {
	// Load retrieves and parses the configuration from the underlying
	// source. The returned configuration has defaults applied and has
	// been validated.
	Load(ctx context.Context) (*Config, error)
}
