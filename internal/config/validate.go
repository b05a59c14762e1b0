package config

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode"
)

var validTransports = map[string]bool{
	"winrm": true,
	"agent": true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would break fan-out or queueing are clamped to
// safe defaults. Other validation errors are logged as warnings but do not
// prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.Transport != "" && !validTransports[strings.ToLower(c.Transport)] {
		errs = append(errs, fmt.Errorf("transport %q is not valid (use winrm or agent)", c.Transport))
	}

	for _, h := range c.DefaultHosts {
		if strings.TrimSpace(h) == "" {
			errs = append(errs, fmt.Errorf("default_hosts contains an empty host name"))
			break
		}
	}

	if c.Agent.AuthToken != "" {
		for _, r := range c.Agent.AuthToken {
			if unicode.IsControl(r) {
				errs = append(errs, fmt.Errorf("agent.auth_token contains control characters"))
				break
			}
		}
	}

	// Clamp fan-out settings to a safe range
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency %d is below minimum 1, clamping", c.Concurrency))
		c.Concurrency = 1
	} else if c.Concurrency > 64 {
		errs = append(errs, fmt.Errorf("concurrency %d exceeds maximum 64, clamping", c.Concurrency))
		c.Concurrency = 64
	}

	if c.HostTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("host_timeout_seconds %d is below minimum 1, clamping", c.HostTimeoutSeconds))
		c.HostTimeoutSeconds = 1
	} else if c.HostTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("host_timeout_seconds %d exceeds maximum 600, clamping", c.HostTimeoutSeconds))
		c.HostTimeoutSeconds = 600
	}

	if c.WinRM.Port < 1 || c.WinRM.Port > 65535 {
		errs = append(errs, fmt.Errorf("winrm.port %d is out of range, resetting to 5985", c.WinRM.Port))
		c.WinRM.Port = 5985
	}

	if c.WinRM.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("winrm.timeout_seconds %d is below minimum 1, clamping", c.WinRM.TimeoutSeconds))
		c.WinRM.TimeoutSeconds = 1
	}

	if c.Agent.Port < 1 || c.Agent.Port > 65535 {
		errs = append(errs, fmt.Errorf("agent.port %d is out of range, resetting to %d", c.Agent.Port, defaultAgentPort))
		c.Agent.Port = defaultAgentPort
	}

	if c.Agent.MaxConcurrentQueries < 1 {
		errs = append(errs, fmt.Errorf("agent.max_concurrent_queries %d is below minimum 1, clamping", c.Agent.MaxConcurrentQueries))
		c.Agent.MaxConcurrentQueries = 1
	} else if c.Agent.MaxConcurrentQueries > 32 {
		errs = append(errs, fmt.Errorf("agent.max_concurrent_queries %d exceeds maximum 32, clamping", c.Agent.MaxConcurrentQueries))
		c.Agent.MaxConcurrentQueries = 32
	}

	if c.Agent.QueryQueueSize < 1 {
		errs = append(errs, fmt.Errorf("agent.query_queue_size %d is below minimum 1, clamping", c.Agent.QueryQueueSize))
		c.Agent.QueryQueueSize = 1
	} else if c.Agent.QueryQueueSize > 4096 {
		errs = append(errs, fmt.Errorf("agent.query_queue_size %d exceeds maximum 4096, clamping", c.Agent.QueryQueueSize))
		c.Agent.QueryQueueSize = 4096
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
