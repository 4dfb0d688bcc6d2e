// Package config loads and validates the bridge configuration.
package config

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Input describes one recognized out-of-band input request for a
/// network: a pattern matched against the request's primary text and
// the prompt template sent to the user's service room.
type Input struct {
	Pattern string `mapstructure:"pattern"`
	Message string `mapstructure:"message"`

	re *regexp.Regexp
}

// Matches reports whether primary matches the input pattern.
func (i *Input) Matches(primary string) bool {
	return i.re != nil && i.re.MatchString(primary)
}

// Network is the per-network section of the configuration.
type Network struct {
	// Client selects the IM back-end handling this network.
	Client string `mapstructure:"client"`
	// Prefix is the short tag used in puppet Matrix IDs, e.g. "xmpp".
	Prefix string `mapstructure:"prefix"`
	// ExtPattern parses external contact strings; it must provide the
	// named captures "user" and "host", optionally "resource".
	ExtPattern string `mapstructure:"ext_pattern"`
	// ExtFormat rebuilds the external contact from the captures, e.g.
	// "{user}@{host}".
	ExtFormat string `mapstructure:"ext_format"`
	// Enabled defaults to true when absent; a pointer keeps the
	// missing and false cases distinguishable.
	Enabled *bool `mapstructure:"enabled"`

	UseAuthToken bool `mapstructure:"use_auth_token"`

	ConvertToText   string `mapstructure:"convert_to_text"`
	ConvertFromText string `mapstructure:"convert_from_text"`
	Format          string `mapstructure:"format"`

	Inputs []*Input `mapstructure:"inputs"`

	extRe *regexp.Regexp
}

// ExtRegexp returns the compiled ext_pattern. Valid after Validate.
func (n *Network) ExtRegexp() *regexp.Regexp {
	return n.extRe
}

// IsEnabled reports whether the network is enabled; absent means enabled.
func (n *Network) IsEnabled() bool {
	return n.Enabled == nil || *n.Enabled
}

// Config is the full bridge configuration.
type Config struct {
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`

	HSServer      string `mapstructure:"hs_server"`
	HSAccessToken string `mapstructure:"hs_access_token"`
	ASAccessToken string `mapstructure:"as_access_token"`
	VerifyHSCert  bool   `mapstructure:"verify_hs_cert"`

	ServiceLocalpart   string `mapstructure:"service_localpart"`
	ServiceDisplayName string `mapstructure:"service_display_name"`

	DBSpec string `mapstructure:"db_spec"`

	Networks map[string]*Network `mapstructure:"networks"`

	UsersBlacklist []string `mapstructure:"users_blacklist"`
	UsersWhitelist []string `mapstructure:"users_whitelist"`

	MaxCacheItems int `mapstructure:"max_cache_items"`

	OfflineMessagesDeliveryInterval int `mapstructure:"offline_messages_delivery_interval"`
	PresenceRefreshInterval         int `mapstructure:"presence_refresh_interval"`
	ShutdownPollInterval            int `mapstructure:"shutdown_poll_interval"`
	ShutdownTimeout                 int `mapstructure:"shutdown_timeout"`

	SyncAccountProfileChanges   bool `mapstructure:"sync_account_profile_changes"`
	SyncContactsProfilesChanges bool `mapstructure:"sync_contacts_profiles_changes"`

	// UserPowerLevel, when set, is pushed into every room the bridge
	// creates so the owning user can operate in it.
	UserPowerLevel *int `mapstructure:"user_power_level"`

	LoggingConfigFile string `mapstructure:"logging_config_file"`

	hsHost string
}

// Load reads the YAML configuration at path and validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("bind_address", "127.0.0.1")
	v.SetDefault("verify_hs_cert", true)
	v.SetDefault("max_cache_items", 1024)
	v.SetDefault("offline_messages_delivery_interval", 60)
	v.SetDefault("presence_refresh_interval", 60)
	v.SetDefault("shutdown_poll_interval", 1)
	v.SetDefault("shutdown_timeout", 30)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Validate checks required keys, compiles every pattern, and derives
// the home-server host.
func (c *Config) Validate() error {
	if c.Port == 0 {
		return errors.New("port is required")
	}
	if c.HSServer == "" {
		return errors.New("hs_server is required")
	}
	if c.HSAccessToken == "" || c.ASAccessToken == "" {
		return errors.New("hs_access_token and as_access_token are required")
	}
	if c.ServiceLocalpart == "" {
		return errors.New("service_localpart is required")
	}
	if c.DBSpec == "" {
		return errors.New("db_spec is required")
	}

	u, err := url.Parse(c.HSServer)
	if err != nil {
		return errors.Wrapf(err, "invalid hs_server %q", c.HSServer)
	}
	c.hsHost = u.Hostname()
	if c.hsHost == "" {
		return errors.Errorf("hs_server %q has no host", c.HSServer)
	}

	for name, net := range c.Networks {
		if net.Client == "" {
			return errors.Errorf("network %q: client is required", name)
		}
		if net.Prefix == "" {
			return errors.Errorf("network %q: prefix is required", name)
		}
		net.extRe, err = regexp.Compile(net.ExtPattern)
		if err != nil {
			return errors.Wrapf(err, "network %q: invalid ext_pattern", name)
		}
		if net.ExtFormat == "" {
			return errors.Errorf("network %q: ext_format is required", name)
		}
		for _, inp := range net.Inputs {
			inp.re, err = regexp.Compile(inp.Pattern)
			if err != nil {
				return errors.Wrapf(err, "network %q: invalid input pattern %q", name, inp.Pattern)
			}
		}
	}
	return nil
}

// HSHost returns the home-server host with any port stripped.
func (c *Config) HSHost() string {
	return c.hsHost
}

// OfflineDeliveryInterval returns the retry interval as a duration.
func (c *Config) OfflineDeliveryInterval() time.Duration {
	return time.Duration(c.OfflineMessagesDeliveryInterval) * time.Second
}

// PresenceInterval returns the presence refresh interval as a duration.
func (c *Config) PresenceInterval() time.Duration {
	return time.Duration(c.PresenceRefreshInterval) * time.Second
}

// ShutdownPoll returns the shutdown poll interval as a duration.
func (c *Config) ShutdownPoll() time.Duration {
	return time.Duration(c.ShutdownPollInterval) * time.Second
}

// ShutdownDeadline returns the shutdown timeout as a duration.
func (c *Config) ShutdownDeadline() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// ExpandTemplate substitutes {name} placeholders in tmpl with the
// given values. Unknown placeholders are left untouched.
func ExpandTemplate(tmpl string, vars map[string]string) string {
	out := tmpl
	for name, value := range vars {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
