package structs

// Direction is how data moves for a job.
type Direction string

const (
	// DirectionPush copies local data out to destinations.
	DirectionPush Direction = "push"

	// DirectionPassive prepares data and waits for a remote host to pull it.
	DirectionPassive Direction = "passive"

	// DirectionPull polls a remote passive job and pulls its data here.
	DirectionPull Direction = "pull"
)

// DestType is the configured kind of a destination.
type DestType string

const (
	// DestActive destinations run a transfer (Push, or PullPoll when owned by a pull job)
	DestActive DestType = "active"

	// DestPassive destinations wait for a remote pull (PassiveWait)
	DestPassive DestType = "passive"
)

// JobType decides the layout of data at a destination.
type JobType string

const (
	// JobSync keeps a single mirror per host/instance.
	JobSync JobType = "sync"

	// JobFull writes a new dated tree every run.
	JobFull JobType = "full"
)
