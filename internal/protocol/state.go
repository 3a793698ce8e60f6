package protocol

// State is the adapter lifecycle. Adapters move Starting → Listening →
// Draining → Stopped; the reload coordinator drives the transitions.
type State string

const (
	StateStarting  State = "starting"
	StateListening State = "listening"
	StateDraining  State = "draining"
	StateStopped   State = "stopped"
)
