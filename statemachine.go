package sentinel

// StateMachine converts threat levels and manual overrides into an operating
// mode with hysteresis. It is not internally synchronized: the sentinel
// serializes tick transitions and manual calls under one lock.
type StateMachine struct {
	mode           Mode
	manualOverride bool
	calmTicks      int
}

func NewStateMachine() *StateMachine {
	return &StateMachine{mode: ModeNormal}
}

// Mode returns the current operating mode.
func (m *StateMachine) Mode() Mode { return m.mode }

// ManualOverride reports whether automatic transitions are suspended.
func (m *StateMachine) ManualOverride() bool { return m.manualOverride }

// Tick evaluates the automatic transitions for one tick. Escalation is
// immediate and may pass through ALERT into MITIGATING within a single tick;
// de-escalation steps down one state only after the level has stayed below
// alertThreshold for cooldownTicks consecutive ticks, so the mode cannot flap
// at the boundary. Returns whether MITIGATING was entered this tick.
func (m *StateMachine) Tick(level, alertThreshold, mitigationThreshold float64, cooldownTicks int) bool {
	if m.manualOverride {
		return false
	}

	if level >= alertThreshold {
		m.calmTicks = 0
		entered := false
		if m.mode == ModeNormal {
			m.mode = ModeAlert
		}
		if m.mode == ModeAlert && level >= mitigationThreshold {
			m.mode = ModeMitigating
			entered = true
		}
		return entered
	}

	// Calm tick: count toward the cooldown before stepping down.
	if m.mode == ModeNormal {
		m.calmTicks = 0
		return false
	}
	m.calmTicks++
	if m.calmTicks < cooldownTicks {
		return false
	}
	m.calmTicks = 0
	switch m.mode {
	case ModeMitigating:
		m.mode = ModeAlert
	case ModeAlert:
		m.mode = ModeNormal
	}
	return false
}

// ManualActivate forces MITIGATING immediately and freezes automatic
// transitions until ManualDeactivate or ResumeAutomatic. Returns whether the
// mode actually changed into MITIGATING.
func (m *StateMachine) ManualActivate() bool {
	entered := m.mode != ModeMitigating
	m.mode = ModeMitigating
	m.manualOverride = true
	m.calmTicks = 0
	return entered
}

// ManualDeactivate forces NORMAL immediately, keeping the override set so
// subsequent ticks do not re-escalate until the operator resumes automatic
// control.
func (m *StateMachine) ManualDeactivate() {
	m.mode = ModeNormal
	m.manualOverride = true
	m.calmTicks = 0
}

// ResumeAutomatic clears the manual override; the mode stays where the last
// manual call left it until the next tick re-evaluates.
func (m *StateMachine) ResumeAutomatic() {
	m.manualOverride = false
	m.calmTicks = 0
}
