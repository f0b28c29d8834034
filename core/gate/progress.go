package gate

import "github.com/adalundhe/agentgate/core/registry"

// Progress is handed to a running task to report liveness. Both methods
// return registry.ErrAlreadyTerminal once the monitor has recovered the
// agent, which is the task's cue to stop.
type Progress struct {
	agentID  string
	registry *registry.Registry
}

func (p *Progress) AgentID() string {
	return p.agentID
}

// Record reports observable progress: it refreshes the heartbeat, counts a
// tool use and appends description to the progress log.
func (p *Progress) Record(description string) error {
	return p.registry.RecordActivity(p.agentID, description)
}

// Touch refreshes the heartbeat only.
func (p *Progress) Touch() error {
	return p.registry.Touch(p.agentID)
}
