package recovery

import (
	"fmt"
	"time"
)

// Validate rejects thresholds that would make classification meaningless.
func (c Config) Validate() error {
	if c.StallThreshold <= 0 {
		return fmt.Errorf("stall threshold must be positive, got %s", c.StallThreshold)
	}
	if c.TimeoutThreshold <= 0 {
		return fmt.Errorf("timeout threshold must be positive, got %s", c.TimeoutThreshold)
	}
	if c.NoActivityGrace < 0 {
		return fmt.Errorf("no-activity grace must not be negative, got %s", c.NoActivityGrace)
	}
	if c.SweepInterval < 10*time.Millisecond {
		return fmt.Errorf("sweep interval %s is too short", c.SweepInterval)
	}
	return nil
}
