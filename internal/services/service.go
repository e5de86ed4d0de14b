// Package services defines the lifecycle shared by long-running daemon
// components.
package services

import (
	"context"

	"grimm.is/v6tunnel/internal/scheduler"
)

// ServiceStatus represents the current state of a service.
type ServiceStatus struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`

	// Tasks lists background jobs owned by the service, if any.
	Tasks []scheduler.TaskStatus `json:"tasks,omitempty"`
}

// Service defines the standard lifecycle methods for all services.
type Service interface {
	// Name returns the unique name of the service.
	Name() string

	// Start brings the service up at daemon boot.
	Start(ctx context.Context) error

	// Stop releases everything the service holds.
	Stop(ctx context.Context) error

	// Status returns the current status of the service.
	Status() ServiceStatus
}
