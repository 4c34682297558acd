package models

// CORSConfig controls cross-origin access to the console's own API.
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowCredentials bool     `json:"allow_credentials"`
}

// BackendConfig describes how to reach the assistant backend.
type BackendConfig struct {
	BaseURL string   `json:"base_url"`
	Token   string   `json:"token,omitempty"`
	Timeout Duration `json:"timeout,omitempty"`
}
