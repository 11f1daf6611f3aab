package spec

// ServiceStatus tracks a service through its lifecycle.
type ServiceStatus string

const (
	StatusStopped  ServiceStatus = "stopped"
	StatusStarting ServiceStatus = "starting"
	StatusStarted  ServiceStatus = "started"
	StatusStopping ServiceStatus = "stopping"
	StatusErrored  ServiceStatus = "errored"
)

// Running reports whether the service holds resources: it is started or
// on its way in or out.
func (s ServiceStatus) Running() bool {
	switch s {
	case StatusStarting, StatusStarted, StatusStopping:
		return true
	}
	return false
}

// Settled reports whether no transition is in progress.
func (s ServiceStatus) Settled() bool {
	return s != StatusStarting && s != StatusStopping
}
