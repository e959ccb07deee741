package core

// ConfigSource supplies a complete configuration.
//
// Sources are read once at startup and again on every reload; the caller
// swaps the result in as a whole.
type ConfigSource interface {
	Load() (*Config, error)
}

// FileSource reads a JSON or YAML configuration file.
type FileSource struct {
	Path string
}

// Load implements ConfigSource.
func (s FileSource) Load() (*Config, error) {
	return LoadConfigFromFile(s.Path)
}

// EnvSource reads the process environment, optionally seeded from an .env file.
//
// When EnvFile is empty the usual .env discovery of LoadConfigFromEnv applies.
type EnvSource struct {
	EnvFile string
}

// Load implements ConfigSource.
func (s EnvSource) Load() (*Config, error) {
	if s.EnvFile != "" {
		return LoadConfigFromEnvFile(s.EnvFile)
	}
	return LoadConfigFromEnv()
}

// StaticSource returns a fixed configuration. Mostly useful in tests and
// for embedding the substrate with programmatic settings.
type StaticSource struct {
	Config *Config
}

// Load implements ConfigSource.
func (s StaticSource) Load() (*Config, error) {
	if s.Config == nil {
		return DefaultConfig(), nil
	}
	if err := s.Config.Validate(); err != nil {
		return nil, err
	}
	return s.Config, nil
}
