package models

import "time"

// Intent describes one registered assistant intent and the integrations
// handling it. Read-only from the console's point of view.
type Intent struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Integrations []string `json:"integrations,omitempty"`
	HandlerCount int      `json:"handler_count"`
}

// BackgroundTask describes one backend background task.
type BackgroundTask struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	State   string    `json:"state"`
	LastRun time.Time `json:"last_run,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// RegistrationRequest is the payload for account registration, passed
// through to the backend which performs all validation.
type RegistrationRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}
