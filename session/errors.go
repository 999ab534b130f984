package session

import "errors"

var (
	// ErrSessionActive is returned when a run is requested on a connection that already has a live session.
	ErrSessionActive = errors.New("session already active")
	// ErrPersistFailed is returned when the source text could not be written to an artifact.
	ErrPersistFailed = errors.New("persisting source failed")
	// ErrSpawnFailed is returned when the isolated runtime could not be started.
	ErrSpawnFailed = errors.New("spawning process failed")
)
