// Package config holds the CLI configuration type for cmd/hublink.
package config

import "net/http"

// Config stores all parameters gathered from the interactive CLI prompts
// or from flags, identifying which hub to connect to and how.
type Config struct {
	SignalingURL    string // ws(s):// base URL of the signaling hub
	Channel         string // ActionCable channel name
	HubID           string
	BrowserIdentity string
	ICEConfigURL    string // http(s):// base URL for ICE server config fetch; empty disables it
	HTTPClient      *http.Client
}
