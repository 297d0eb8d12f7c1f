package models

// WorkerPhase selects which pipeline stage a worker process serves.
type WorkerPhase string

const (
	// PhasePrepare marks a worker that compiles raw code into artifacts.
	PhasePrepare WorkerPhase = "prepare"
	// PhaseExecute marks a worker that runs prepared artifacts.
	PhaseExecute WorkerPhase = "execute"
)

// Valid returns true if the phase is a known value.
func (p WorkerPhase) Valid() bool {
	switch p {
	case PhasePrepare, PhaseExecute:
		return true
	default:
		return false
	}
}

// WorkerState is the lifecycle state of a worker process.
type WorkerState string

const (
	// WorkerSpawning indicates the process is starting and has not completed
	// its version handshake.
	WorkerSpawning WorkerState = "spawning"
	// WorkerIdle indicates the worker is healthy and unassigned.
	WorkerIdle WorkerState = "idle"
	// WorkerBusy indicates the worker is running a job.
	WorkerBusy WorkerState = "busy"
	// WorkerDying indicates the worker has been condemned and awaits reaping.
	WorkerDying WorkerState = "dying"
)

// Valid returns true if the state is a known value.
func (s WorkerState) Valid() bool {
	switch s {
	case WorkerSpawning, WorkerIdle, WorkerBusy, WorkerDying:
		return true
	default:
		return false
	}
}
