package config

import "fmt"

// Validate checks the configuration for values that would make the server
// misbehave at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox.image must not be empty")
	}
	if c.Sandbox.MemoryLimitMB <= 0 {
		return fmt.Errorf("sandbox.memory_limit_mb must be positive, got %d", c.Sandbox.MemoryLimitMB)
	}
	if c.Sandbox.CPULimit <= 0 {
		return fmt.Errorf("sandbox.cpu_limit must be positive, got %g", c.Sandbox.CPULimit)
	}
	if c.Sandbox.PoolSize < 1 {
		return fmt.Errorf("sandbox.pool_size must be at least 1, got %d", c.Sandbox.PoolSize)
	}

	if c.Sessions.MaxSessions < 1 {
		return fmt.Errorf("sessions.max_sessions must be at least 1, got %d", c.Sessions.MaxSessions)
	}
	if c.Sessions.DefaultExecTimeout <= 0 {
		return fmt.Errorf("sessions.default_exec_timeout must be positive, got %v", c.Sessions.DefaultExecTimeout)
	}
	if c.Sessions.MaxExecTimeout < c.Sessions.DefaultExecTimeout {
		return fmt.Errorf("sessions.max_exec_timeout (%v) must not be below default_exec_timeout (%v)",
			c.Sessions.MaxExecTimeout, c.Sessions.DefaultExecTimeout)
	}
	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive, got %v", c.Sessions.IdleTimeout)
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive, got %v", c.Sessions.SweepInterval)
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path must not be empty when history is enabled")
	}

	return nil
}
