package configuration

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Configuration is the merged view of defaults, config file, environment and
// command line flags, in ascending precedence.
type Configuration struct {
	settings *viper.Viper
}

// New creates an empty configuration.
func New() *Configuration {
	settings := viper.New()
	settings.SetEnvPrefix("voicecraft")
	settings.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	settings.AutomaticEnv()

	return &Configuration{settings: settings}
}

// Load binds the defined flags and optionally merges the given config file.
// A missing file is not an error; a broken one is.
func (c *Configuration) Load(configFile string) error {
	if err := c.settings.BindPFlags(pflag.CommandLine); err != nil {
		return errors.WithStack(err)
	}

	if configFile == "" {
		return nil
	}
	c.settings.SetConfigFile(configFile)
	if err := c.settings.ReadInConfig(); err != nil {
		if os.IsNotExist(errors.UnwrapAll(err)) {
			return nil
		}
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			return nil
		}
		return errors.Wrapf(err, "failed to read config file %s", configFile)
	}

	return nil
}

// String returns the configured value for the given key.
func (c *Configuration) String(key string) string { return c.settings.GetString(key) }

// Int returns the configured value for the given key.
func (c *Configuration) Int(key string) int { return c.settings.GetInt(key) }

// Bool returns the configured value for the given key.
func (c *Configuration) Bool(key string) bool { return c.settings.GetBool(key) }

// Duration returns the configured value for the given key.
func (c *Configuration) Duration(key string) time.Duration { return c.settings.GetDuration(key) }
