package security

import "github.com/BTreeMap/GateCoach/internal/models"

const (
	escalationWindow    = 10
	escalationThreshold = 3
)

// Monitor looks for slow-drip manipulation across recent turns.
type Monitor struct {
	detector *Detector
}

// NewMonitor creates a monitor that flags turns with detector.
func NewMonitor(detector *Detector) *Monitor {
	return &Monitor{detector: detector}
}

// CheckEscalation counts suspicious user turns among the last ten entries of
// recent. Assistant turns are skipped but still occupy the window.
func (m *Monitor) CheckEscalation(recent []models.ChatTurn) (bool, int) {
	if len(recent) > escalationWindow {
		recent = recent[len(recent)-escalationWindow:]
	}
	flags := 0
	for _, turn := range recent {
		if turn.Role != models.RoleUser {
			continue
		}
		if suspicious, _ := m.detector.Detect(turn.Content); suspicious {
			flags++
		}
	}
	return flags >= escalationThreshold, flags
}
