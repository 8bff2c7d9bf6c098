package models

import "time"

// WindowStatus is the remaining quota in one rate window.
type WindowStatus struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// RateLimitStatus reports both windows for a client.
type RateLimitStatus struct {
	Hourly WindowStatus `json:"hourly"`
	Daily  WindowStatus `json:"daily"`
}
