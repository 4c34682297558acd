package models

// WakeWordConfig is the mutable wake-word configuration an operator edits
// and the backend broadcasts to all connected satellites.
type WakeWordConfig struct {
	ActiveKeywords []string `json:"active_keywords"`
	Sensitivity    float64  `json:"sensitivity,omitempty"`
}

// WakeWordSettings is the wire shape of GET /api/settings/wakeword.
type WakeWordSettings struct {
	WakeWordConfig

	AvailableKeywords []string `json:"available_keywords"`
	SubscriberCount   int      `json:"subscriber_count"`
}

// SyncEntry reports one satellite's acknowledgement of a settings broadcast.
type SyncEntry struct {
	DeviceID       string   `json:"device_id"`
	Synced         bool     `json:"synced"`
	ActiveKeywords []string `json:"active_keywords,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// SyncStatus is the wire shape of GET /api/settings/wakeword/sync-status.
type SyncStatus struct {
	AllSynced   bool        `json:"all_synced"`
	FailedCount int         `json:"failed_count"`
	Devices     []SyncEntry `json:"devices"`
}
