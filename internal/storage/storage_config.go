package storage

import (
	"maps"
	"strings"
	"time"

	"kvdata/internal/config"
	"kvdata/internal/logging"
)

// SaveTrigger is an event on which cached values are written back.
type SaveTrigger int

const (
	SaveOnReload SaveTrigger = iota
	SaveOnShutdown
	SaveOnInterval
)

func (t SaveTrigger) String() string {
	switch t {
	case SaveOnReload:
		return "reload"
	case SaveOnShutdown:
		return "disable"
	case SaveOnInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// ParseSaveTrigger accepts the save-on names used in storage files.
func ParseSaveTrigger(name string) (SaveTrigger, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "reload", "on-reload":
		return SaveOnReload, true
	case "disable", "shutdown", "on-shutdown", "on-disable":
		return SaveOnShutdown, true
	case "interval", "on-interval":
		return SaveOnInterval, true
	default:
		return 0, false
	}
}

// RemoteConnection holds the resolved connection settings of a remote method.
type RemoteConnection struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	TablePrefix string
	Properties  map[string]string
}

func (r *RemoteConnection) clone() *RemoteConnection {
	if r == nil {
		return nil
	}
	c := *r
	c.Properties = maps.Clone(r.Properties)
	return &c
}

// redacted returns a copy safe to print.
func (r *RemoteConnection) redacted() *RemoteConnection {
	c := r.clone()
	if c == nil {
		return nil
	}
	if c.Password != "" {
		c.Password = redactedValue
	}
	c.Properties = redactProperties(c.Properties)
	return c
}

const redactedValue = "****"

func redactProperties(props map[string]string) map[string]string {
	if props == nil {
		return nil
	}
	out := make(map[string]string, len(props))
	for k, v := range props {
		if isSecretProperty(k) {
			v = redactedValue
		}
		out[k] = v
	}
	return out
}

func isSecretProperty(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range []string{"password", "passwd", "secret", "token", "key"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}

// StorageConfig is the validated description of one backend. It is not
// modified after NewStorageConfig returns.
type StorageConfig struct {
	method        StorageMethod
	cacheEnabled  bool
	saveOn        map[SaveTrigger]bool
	interval      time.Duration
	remote        *RemoteConnection
	fellBack      bool
	requestedName string
}

// NewStorageConfig resolves a parsed storage file. A remote method without
// a remote-connection section falls back to DefaultMethod with a warning;
// an incomplete remote-connection section is a *ConfigError.
func NewStorageConfig(file *config.StorageFile, appName string, logger *logging.Logger) (*StorageConfig, error) {
	if file == nil {
		file = &config.StorageFile{}
	}
	if logger == nil {
		logger = logging.Nop()
	}

	cfg := &StorageConfig{
		cacheEnabled:  true,
		saveOn:        make(map[SaveTrigger]bool),
		requestedName: file.Method,
	}

	method, ok := LookupMethod(file.Method)
	if !ok {
		if strings.TrimSpace(file.Method) != "" {
			logger.Warn("Unknown storage method, using default",
				"method", file.Method,
				"default", DefaultMethod,
			)
		}
		method = mustLookup(DefaultMethod)
	}

	if method.IsRemote() && file.RemoteConnection == nil {
		logger.Warn("Remote storage method configured without remote-connection, using default",
			"method", method.Name,
			"default", DefaultMethod,
		)
		method = mustLookup(DefaultMethod)
		cfg.fellBack = true
	}
	cfg.method = method

	if method.IsRemote() {
		remote, err := resolveRemote(method, file.RemoteConnection, appName)
		if err != nil {
			return nil, err
		}
		cfg.remote = remote
	}

	if file.Cache.Enabled != nil {
		cfg.cacheEnabled = *file.Cache.Enabled
	}
	if len(file.Cache.SaveOn) == 0 {
		cfg.saveOn[SaveOnReload] = true
		cfg.saveOn[SaveOnShutdown] = true
		cfg.saveOn[SaveOnInterval] = true
	}
	for _, name := range file.Cache.SaveOn {
		trigger, ok := ParseSaveTrigger(name)
		if !ok {
			logger.Warn("Ignoring unknown cache save-on entry", "entry", name)
			continue
		}
		cfg.saveOn[trigger] = true
	}
	if file.Cache.Interval > 0 {
		cfg.interval = time.Duration(file.Cache.Interval) * time.Second
	}

	return cfg, nil
}

func resolveRemote(method StorageMethod, file *config.RemoteConnectionFile, appName string) (*RemoteConnection, error) {
	host := strings.TrimSpace(file.Host)
	if host == "" {
		return nil, &ConfigError{Method: method.Name, Field: "remote-connection.host", Reason: "is required"}
	}
	database := strings.TrimSpace(file.Database)
	if database == "" && method.IsSQL() {
		return nil, &ConfigError{Method: method.Name, Field: "remote-connection.database", Reason: "is required"}
	}
	if file.Port < 0 || file.Port > 65535 {
		return nil, &ConfigError{Method: method.Name, Field: "remote-connection.port", Reason: "must be between 0 and 65535"}
	}

	port := file.Port
	if port == 0 {
		port = method.DefaultPort
	}

	prefix := SanitizeTablePrefix(appName)
	if file.TablePrefix != nil {
		prefix = *file.TablePrefix
	}

	return &RemoteConnection{
		Host:        host,
		Port:        port,
		Database:    database,
		Username:    file.Username,
		Password:    file.Password,
		TablePrefix: prefix,
		Properties:  maps.Clone(file.Properties),
	}, nil
}

// SanitizeTablePrefix turns an application name into a table prefix:
// lowercase, anything outside [a-z0-9_] replaced by '_', trailing '_'.
func SanitizeTablePrefix(appName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(appName) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	return b.String()
}

// Method returns the selected storage method.
func (c *StorageConfig) Method() StorageMethod {
	return c.method
}

// FellBack reports whether a remote method was replaced by the default.
func (c *StorageConfig) FellBack() bool {
	return c.fellBack
}

// RequestedMethod is the method name as written in the storage file.
func (c *StorageConfig) RequestedMethod() string {
	return c.requestedName
}

func (c *StorageConfig) CacheEnabled() bool {
	return c.cacheEnabled
}

// SavesOn reports whether the cache is flushed on the given trigger. It does
// not depend on CacheEnabled: writes that opt into the cache on an uncached
// manager are flushed by the same triggers.
func (c *StorageConfig) SavesOn(trigger SaveTrigger) bool {
	return c.saveOn[trigger]
}

// FlushInterval is zero when interval flushing is disabled.
func (c *StorageConfig) FlushInterval() time.Duration {
	if !c.cacheEnabled || !c.SavesOn(SaveOnInterval) {
		return 0
	}
	return c.interval
}

// Remote returns a copy of the remote connection, nil for local methods.
func (c *StorageConfig) Remote() *RemoteConnection {
	return c.remote.clone()
}

// TablePrefix is empty for local methods.
func (c *StorageConfig) TablePrefix() string {
	if c.remote == nil {
		return ""
	}
	return c.remote.TablePrefix
}

// RedactedProperties returns the driver properties with secrets masked.
func (c *StorageConfig) RedactedProperties() map[string]string {
	if c.remote == nil {
		return nil
	}
	return redactProperties(c.remote.Properties)
}
