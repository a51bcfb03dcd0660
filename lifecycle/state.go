package lifecycle

// WorkerState is the platform state of one worker instance.
type WorkerState int

const (
	WorkerParsed WorkerState = iota
	WorkerInstalling
	WorkerInstalled
	WorkerActivating
	WorkerActivated
	WorkerRedundant
)

func (s WorkerState) String() string {
	switch s {
	case WorkerParsed:
		return "parsed"
	case WorkerInstalling:
		return "installing"
	case WorkerInstalled:
		return "installed"
	case WorkerActivating:
		return "activating"
	case WorkerActivated:
		return "activated"
	case WorkerRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// State is the page-side view of the registration, owned by the Coordinator.
type State int

const (
	// StateIdle means no registration is ready yet.
	StateIdle State = iota
	// StateActive means a worker controls the page and no update is pending.
	StateActive
	// StateInstalling means a new worker version is being installed.
	StateInstalling
	// StateWaiting means a new version is installed and held back.
	StateWaiting
	// StateActivating means the waiting version was told to take over.
	StateActivating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
