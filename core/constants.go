package core

// AlertStatus represents the status of an alert
type AlertStatus string

const (
	// AlertStatusNew indicates an alert that hasn't been reviewed
	AlertStatusNew AlertStatus = "new"
	// AlertStatusAcknowledged indicates an alert that an analyst has picked up
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	// AlertStatusClosed indicates an alert that needs no further work
	AlertStatusClosed AlertStatus = "closed"
)

// String returns the string representation
func (s AlertStatus) String() string {
	return string(s)
}

// IsValid checks if the status is valid
func (s AlertStatus) IsValid() bool {
	switch s {
	case AlertStatusNew, AlertStatusAcknowledged, AlertStatusClosed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether an alert in status s may move to next.
// Closed is terminal.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	switch s {
	case AlertStatusNew:
		return next == AlertStatusAcknowledged || next == AlertStatusClosed
	case AlertStatusAcknowledged:
		return next == AlertStatusClosed
	default:
		return false
	}
}

// PersistenceStatus describes what happened to the alerts of a live evaluation.
type PersistenceStatus string

const (
	// PersistenceNone means the evaluation produced no alerts.
	PersistenceNone PersistenceStatus = "none"
	// PersistenceOK means every alert was saved.
	PersistenceOK PersistenceStatus = "ok"
	// PersistencePending means saving is still being retried in the background.
	PersistencePending PersistenceStatus = "pending"
	// PersistenceFailed means at least one alert could not be saved.
	PersistenceFailed PersistenceStatus = "failed"
)

// Degraded reports whether the verdict was returned without durable alerts.
func (p PersistenceStatus) Degraded() bool {
	return p == PersistencePending || p == PersistenceFailed
}
