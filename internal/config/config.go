package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	DefaultHosts       []string `mapstructure:"default_hosts" json:"defaultHosts" yaml:"default_hosts"`
	Concurrency        int      `mapstructure:"concurrency" json:"concurrency" yaml:"concurrency"`
	HostTimeoutSeconds int      `mapstructure:"host_timeout_seconds" json:"hostTimeoutSeconds" yaml:"host_timeout_seconds"`
	Transport          string   `mapstructure:"transport" json:"transport" yaml:"transport"`

	WinRM WinRMConfig `mapstructure:"winrm" json:"winrm" yaml:"winrm"`
	Agent AgentConfig `mapstructure:"agent" json:"agent" yaml:"agent"`

	HandleBinary string `mapstructure:"handle_binary" json:"handleBinary" yaml:"handle_binary"`

	LogLevel      string `mapstructure:"log_level" json:"logLevel" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" json:"logFormat" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" json:"logFile" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" json:"logMaxSizeMb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" json:"logMaxBackups" yaml:"log_max_backups"`

	AuditFile string `mapstructure:"audit_file" json:"auditFile" yaml:"audit_file"`
}

// WinRMConfig holds credentials and endpoint settings for agentless
// remote queries.
type WinRMConfig struct {
	Port           int    `mapstructure:"port" json:"port" yaml:"port"`
	Username       string `mapstructure:"username" json:"username" yaml:"username"`
	Password       string `mapstructure:"password" json:"password" yaml:"password"`
	UseHTTPS       bool   `mapstructure:"use_https" json:"useHttps" yaml:"use_https"`
	SkipTLSVerify  bool   `mapstructure:"skip_tls_verify" json:"skipTlsVerify" yaml:"skip_tls_verify"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" json:"timeoutSeconds" yaml:"timeout_seconds"`
}

// AgentConfig covers both sides of the agent protocol: the listen
// settings used by `winops agent run` and the dial settings used when
// transport is "agent".
type AgentConfig struct {
	ListenAddr           string `mapstructure:"listen_addr" json:"listenAddr" yaml:"listen_addr"`
	Port                 int    `mapstructure:"port" json:"port" yaml:"port"`
	AuthToken            string `mapstructure:"auth_token" json:"authToken" yaml:"auth_token"`
	UseTLS               bool   `mapstructure:"use_tls" json:"useTls" yaml:"use_tls"`
	CertFile             string `mapstructure:"cert_file" json:"certFile" yaml:"cert_file"`
	KeyFile              string `mapstructure:"key_file" json:"keyFile" yaml:"key_file"`
	MaxConcurrentQueries int    `mapstructure:"max_concurrent_queries" json:"maxConcurrentQueries" yaml:"max_concurrent_queries"`
	QueryQueueSize       int    `mapstructure:"query_queue_size" json:"queryQueueSize" yaml:"query_queue_size"`
}

const defaultAgentPort = 9465

func Default() *Config {
	return &Config{
		Concurrency:        8,
		HostTimeoutSeconds: 30,
		Transport:          "winrm",
		WinRM: WinRMConfig{
			Port:           5985,
			TimeoutSeconds: 30,
		},
		Agent: AgentConfig{
			ListenAddr:           ":9465",
			Port:                 defaultAgentPort,
			MaxConcurrentQueries: 4,
			QueryQueueSize:       64,
		},
		HandleBinary:  "handle.exe",
		LogLevel:      "info",
		LogFormat:     "text",
		LogMaxSizeMB:  20,
		LogMaxBackups: 3,
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("winops")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("WINOPS")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("default_hosts", cfg.DefaultHosts)
	viper.Set("concurrency", cfg.Concurrency)
	viper.Set("host_timeout_seconds", cfg.HostTimeoutSeconds)
	viper.Set("transport", cfg.Transport)
	viper.Set("winrm.port", cfg.WinRM.Port)
	viper.Set("winrm.username", cfg.WinRM.Username)
	viper.Set("winrm.password", cfg.WinRM.Password)
	viper.Set("winrm.use_https", cfg.WinRM.UseHTTPS)
	viper.Set("winrm.skip_tls_verify", cfg.WinRM.SkipTLSVerify)
	viper.Set("winrm.timeout_seconds", cfg.WinRM.TimeoutSeconds)
	viper.Set("agent.listen_addr", cfg.Agent.ListenAddr)
	viper.Set("agent.port", cfg.Agent.Port)
	viper.Set("agent.auth_token", cfg.Agent.AuthToken)
	viper.Set("agent.use_tls", cfg.Agent.UseTLS)
	viper.Set("agent.cert_file", cfg.Agent.CertFile)
	viper.Set("agent.key_file", cfg.Agent.KeyFile)
	viper.Set("agent.max_concurrent_queries", cfg.Agent.MaxConcurrentQueries)
	viper.Set("agent.query_queue_size", cfg.Agent.QueryQueueSize)
	viper.Set("handle_binary", cfg.HandleBinary)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_file", cfg.LogFile)
	viper.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	viper.Set("log_max_backups", cfg.LogMaxBackups)
	viper.Set("audit_file", cfg.AuditFile)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(configDir(), "winops.yaml")
		if err := os.MkdirAll(configDir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	// Restrict config file to owner-only access (contains credentials)
	return os.Chmod(cfgPath, 0600)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "WinOps")
	case "darwin":
		return "/Library/Application Support/WinOps"
	default:
		return "/etc/winops"
	}
}

// DefaultPath is where Save writes and Load looks when no file is given.
func DefaultPath() string {
	return filepath.Join(configDir(), "winops.yaml")
}
