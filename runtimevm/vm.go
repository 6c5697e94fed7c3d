// Package runtimevm defines the contract between driftsync and the WebAssembly
// runtime executor. The executor itself lives outside this module; driftsync
// only drives it through these interfaces, one host call at a time.
package runtimevm

// Prototype is a runtime ready to be instantiated. Prototypes are exclusive:
// the sync engines extract one before use and put it back afterwards, they are
// never aliased.
type Prototype interface {
	// RunNoParam starts a call to the given runtime function with no
	// parameters. On error the prototype is left untouched and can be reused.
	RunNoParam(function string) (State, error)
}

// State is one step of a running virtual machine. It is always one of the
// interfaces below; callers dispatch with a type switch. Any state that is
// not recognized must still implement Recoverable so that the prototype can
// be extracted back out of it.
type State interface{}

// ReadyToRun is a virtual machine ready to execute more instructions.
type ReadyToRun interface {
	Run() State
}

// Finished is a virtual machine that completed successfully.
type Finished interface {
	Output() []byte
	Prototype() Prototype
}

// Trapped is a virtual machine that crashed. TrapError distinguishes a trap
// from other states that merely expose their prototype.
type Trapped interface {
	TrapError() error
	Prototype() Prototype
}

// ExternalStorageGet is a host call requesting a storage value.
type ExternalStorageGet interface {
	Key() []byte
	Resume(value []byte, found bool) State
}

// MaxLogLevelRequest is a host call requesting the maximum log level.
type MaxLogLevelRequest interface {
	Resume(level uint32) State
}

// LogEmit is a host call emitting a log line.
type LogEmit interface {
	Message() string
	Resume() State
}

// Recoverable is implemented by every state from which the prototype can be
// recovered without finishing the call.
type Recoverable interface {
	Prototype() Prototype
}
