package gate

import (
	"github.com/adalundhe/agentgate/core/circuit"
	"github.com/adalundhe/agentgate/core/config"
	"github.com/adalundhe/agentgate/core/recovery"
	"github.com/adalundhe/agentgate/core/registry"
	"github.com/adalundhe/agentgate/core/resources"
	"github.com/adalundhe/agentgate/core/throttle"
)

func breakerConfig(cfg *config.Config) circuit.Config {
	return circuit.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		RecoveryTimeout:   cfg.Breaker.RecoveryTimeout,
		MemoryThresholdMB: cfg.Breaker.MemoryThresholdMB,
	}
}

func throttleConfig(cfg *config.Config) throttle.Config {
	return throttle.Config{
		MaxConcurrentAgents: cfg.Throttle.MaxConcurrentAgents,
		QueueTimeout:        cfg.Throttle.QueueTimeout,
		PollInterval:        cfg.Throttle.PollInterval,
		QueueCapacity:       cfg.Throttle.QueueCapacity,
	}
}

func monitorConfig(cfg *config.Config) recovery.Config {
	c := recovery.DefaultConfig()
	c.StallThreshold = cfg.Monitor.StallThreshold
	c.TimeoutThreshold = cfg.Monitor.TimeoutThreshold
	c.NoActivityGrace = cfg.Monitor.NoActivityGrace
	c.SweepInterval = cfg.Monitor.SweepInterval
	if cfg.Monitor.ReportEntries > 0 {
		c.ReportEntries = cfg.Monitor.ReportEntries
	}
	return c
}

func checkerConfig(cfg *config.Config) resources.CheckerConfig {
	return resources.CheckerConfig{
		MinAvailableMemoryMB: cfg.Resources.MinAvailableMemoryMB,
		MaxCPUPercent:        cfg.Resources.MaxCPUPercent,
		MaxConcurrentAgents:  cfg.Throttle.MaxConcurrentAgents,
	}
}

func registryConfig(cfg *config.Config) registry.Config {
	return registry.Config{
		ProgressLogSize: cfg.Registry.ProgressLogSize,
		CleanupInterval: cfg.Registry.CleanupInterval,
		Retention:       cfg.Registry.Retention,
	}
}
