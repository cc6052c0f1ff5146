// Package model holds the shared display object model used by the video
// backend, the daemon, and the diagnostics server.
package model

// Mode describes a display resolution. fbdev backends cannot enumerate
// alternative modes, so exactly one Mode exists per display and it is
// created the first time the display activates.
type Mode struct {
	name   string
	width  int
	height int
}

// NewMode returns a read-only mode record.
func NewMode(name string, width, height int) *Mode {
	return &Mode{name: name, width: width, height: height}
}

func (m *Mode) Name() string { return m.name }
func (m *Mode) Width() int   { return m.width }
func (m *Mode) Height() int  { return m.height }

// DPMS is the abstract monitor power state.
type DPMS int

const (
	DPMSUnknown DPMS = iota
	DPMSOn
	DPMSStandby
	DPMSSuspend
	DPMSOff
)

// String returns the lower-case DPMS state name.
func (s DPMS) String() string {
	switch s {
	case DPMSOn:
		return "on"
	case DPMSStandby:
		return "standby"
	case DPMSSuspend:
		return "suspend"
	case DPMSOff:
		return "off"
	default:
		return "unknown"
	}
}

// ParseDPMS maps a state name to a DPMS value. Unrecognized names map to
// DPMSUnknown, which no operation accepts as a target state.
func ParseDPMS(s string) DPMS {
	switch s {
	case "on":
		return DPMSOn
	case "standby":
		return DPMSStandby
	case "suspend":
		return DPMSSuspend
	case "off":
		return DPMSOff
	default:
		return DPMSUnknown
	}
}

// EventKind identifies a display notification delivered to the owning
// system's callback.
type EventKind int

const (
	// EventNew announces a freshly discovered display. It is delivered
	// from the event loop, never from inside Backend.Init.
	EventNew EventKind = iota
	// EventGone announces removal of a previously announced display.
	EventGone
	// EventReady fires at the vblank pacing cadence after a Swap.
	EventReady
)

func (k EventKind) String() string {
	switch k {
	case EventNew:
		return "new"
	case EventGone:
		return "gone"
	case EventReady:
		return "ready"
	default:
		return "invalid"
	}
}
