package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lowaak/smart-trainer/trainer-hub/internal/device"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/ftms"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/logging"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/manager"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/scanner"
	"github.com/lowaak/smart-trainer/trainer-hub/internal/transport"
)

const (
	EnvPrefix = "TRAINER_HUB"
	FileName  = "trainer-hub"
	// DirName is created under the user's home directory
	DirName = ".smart-trainer"
)

const (
	KeyLogFile            = "log.file"
	KeyLogMaxSizeMB       = "log.max_size_mb"
	KeyLogMaxBackups      = "log.max_backups"
	KeyLogMaxAgeDays      = "log.max_age_days"
	KeyLogCompress        = "log.compress"
	KeyBLEMock            = "ble.mock"
	KeyBLEMockHTTPPort    = "ble.mock_http_port"
	KeyScanStaleAfter     = "scan.stale_after"
	KeyConnectTimeout     = "connect.timeout"
	KeyVerifyTimeout      = "connect.verify_timeout"
	KeyCommandTimeout     = "control.command_timeout"
	KeyRefreshInterval    = "control.refresh_interval"
	KeyControlStaleAfter  = "control.stale_after"
	KeyControlStalePolicy = "control.stale_policy"
	KeyHandshakePolicy    = "control.handshake_policy"
	KeySensorsStaleAfter  = "sensors.stale_after"
	KeyRegistryOrder      = "registry.order"
	KeyStoreBackend       = "store.backend"
	KeyStorePath          = "store.path"
)

type LogSettings struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type BLESettings struct {
	Mock         bool `mapstructure:"mock"`
	MockHTTPPort int  `mapstructure:"mock_http_port"`
}

type ScanSettings struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type ConnectSettings struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
}

type ControlSettings struct {
	CommandTimeout  time.Duration `mapstructure:"command_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	StalePolicy     string        `mapstructure:"stale_policy"`
	HandshakePolicy string        `mapstructure:"handshake_policy"`
}

type SensorSettings struct {
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

type RegistrySettings struct {
	Order []string `mapstructure:"order"`
}

type StoreSettings struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// Settings is the fully resolved configuration
type Settings struct {
	Log      LogSettings      `mapstructure:"log"`
	BLE      BLESettings      `mapstructure:"ble"`
	Scan     ScanSettings     `mapstructure:"scan"`
	Connect  ConnectSettings  `mapstructure:"connect"`
	Control  ControlSettings  `mapstructure:"control"`
	Sensors  SensorSettings   `mapstructure:"sensors"`
	Registry RegistrySettings `mapstructure:"registry"`
	Store    StoreSettings    `mapstructure:"store"`

	// ConfigFile is the file the settings were read from, empty if none
	ConfigFile string `mapstructure:"-"`
}

// flagKeys maps command line flags onto configuration keys
var flagKeys = map[string]string{
	"mock":           KeyBLEMock,
	"mock-http-port": KeyBLEMockHTTPPort,
	"store-backend":  KeyStoreBackend,
	"store-path":     KeyStorePath,
	"log-file":       KeyLogFile,
}

// New returns a viper instance with defaults and environment binding set
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogFile, filepath.Join("~", DirName, "trainer-hub.log"))
	v.SetDefault(KeyLogMaxSizeMB, 10)
	v.SetDefault(KeyLogMaxBackups, 3)
	v.SetDefault(KeyLogMaxAgeDays, 28)
	v.SetDefault(KeyLogCompress, false)
	v.SetDefault(KeyBLEMock, false)
	v.SetDefault(KeyBLEMockHTTPPort, 0)
	v.SetDefault(KeyScanStaleAfter, 10*time.Second)
	v.SetDefault(KeyConnectTimeout, 15*time.Second)
	v.SetDefault(KeyVerifyTimeout, 500*time.Millisecond)
	v.SetDefault(KeyCommandTimeout, time.Second)
	v.SetDefault(KeyRefreshInterval, 2*time.Second)
	v.SetDefault(KeyControlStaleAfter, 8*time.Second)
	v.SetDefault(KeyControlStalePolicy, ftms.StaleDropToIdle.String())
	v.SetDefault(KeyHandshakePolicy, ftms.HandshakeStrict.String())
	v.SetDefault(KeySensorsStaleAfter, 5*time.Second)
	v.SetDefault(KeyRegistryOrder, transport.DefaultOrder)
	v.SetDefault(KeyStoreBackend, "json")
	v.SetDefault(KeyStorePath, filepath.Join("~", DirName, "roles.json"))
}

// RegisterFlags adds the flags every command shares
func RegisterFlags(fs *pflag.FlagSet) {
	fs.Bool("mock", false, "use simulated peripherals instead of the Bluetooth adapter")
	fs.Int("mock-http-port", 0, "serve the simulator inspection API on this port (0 disables it)")
	fs.String("store-backend", "json", "role assignment storage: json or sqlite")
	fs.String("store-path", "", "role assignment storage location")
	fs.String("log-file", "", "rotating log file path")
}

// BindFlags makes flags that were set on the command line win over every
// other source
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Dir is the directory holding the config file and default data files
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DirName), nil
}

// Load reads configFile, or trainer-hub.yaml from Dir when configFile is
// empty, and resolves the settings. A missing default file is not an error.
func Load(v *viper.Viper, configFile string) (Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: decode: %w", err)
	}
	s.ConfigFile = v.ConfigFileUsed()

	var err error
	if s.Log.File, err = expandHome(s.Log.File); err != nil {
		return Settings{}, err
	}
	if s.Store.Path, err = expandHome(s.Store.Path); err != nil {
		return Settings{}, err
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}

// Validate rejects values the components cannot run with
func (s Settings) Validate() error {
	if _, err := ftms.ParseStalePolicy(s.Control.StalePolicy); err != nil {
		return fmt.Errorf("config: %s: %w", KeyControlStalePolicy, err)
	}
	if _, err := ftms.ParseHandshakePolicy(s.Control.HandshakePolicy); err != nil {
		return fmt.Errorf("config: %s: %w", KeyHandshakePolicy, err)
	}
	if _, err := s.Factories(); err != nil {
		return fmt.Errorf("config: %s: %w", KeyRegistryOrder, err)
	}
	switch s.Store.Backend {
	case "json", "sqlite":
	default:
		return fmt.Errorf("config: %s: unknown backend %q", KeyStoreBackend, s.Store.Backend)
	}
	if s.BLE.MockHTTPPort < 0 || s.BLE.MockHTTPPort > 65535 {
		return fmt.Errorf("config: %s: port %d out of range", KeyBLEMockHTTPPort, s.BLE.MockHTTPPort)
	}
	for key, d := range map[string]time.Duration{
		KeyConnectTimeout: s.Connect.Timeout,
		KeyVerifyTimeout:  s.Connect.VerifyTimeout,
		KeyCommandTimeout: s.Control.CommandTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive, got %s", key, d)
		}
	}
	return nil
}

func (s Settings) Logging() logging.Config {
	return logging.Config{
		File:       s.Log.File,
		MaxSizeMB:  s.Log.MaxSizeMB,
		MaxBackups: s.Log.MaxBackups,
		MaxAgeDays: s.Log.MaxAgeDays,
		Compress:   s.Log.Compress,
	}
}

func (s Settings) Driver() transport.DriverConfig {
	cfg := transport.DefaultDriverConfig()
	cfg.CommandTimeout = s.Control.CommandTimeout
	cfg.RefreshInterval = s.Control.RefreshInterval
	return cfg
}

// Factories lists the enabled transports in registry order
func (s Settings) Factories() ([]transport.Factory, error) {
	return transport.FactoriesByName(s.Registry.Order, s.Driver())
}

func (s Settings) Device() device.Config {
	return device.Config{
		VerifyTimeout:    s.Connect.VerifyTimeout,
		SensorStaleAfter: s.Sensors.StaleAfter,
	}
}

func (s Settings) Manager() manager.Config {
	return manager.Config{
		ConnectTimeout: s.Connect.Timeout,
		Device:         s.Device(),
	}
}

func (s Settings) Scanner() scanner.Config {
	return scanner.Config{StaleAfter: s.Scan.StaleAfter}
}

// ControlPoint is the session policy the simulated trainer runs with
func (s Settings) ControlPoint() ftms.ControlPointConfig {
	// Validate has already rejected unknown names
	handshake, _ := ftms.ParseHandshakePolicy(s.Control.HandshakePolicy)
	stale, _ := ftms.ParseStalePolicy(s.Control.StalePolicy)
	return ftms.ControlPointConfig{
		Handshake:   handshake,
		StalePolicy: stale,
		StaleAfter:  s.Control.StaleAfter,
	}
}
