package models

import "time"

// Rank is a CAF rank a pace note can be written for.
type Rank string

const (
	RankCpl  Rank = "Cpl"
	RankMCpl Rank = "MCpl"
	RankSgt  Rank = "Sgt"
	RankWO   Rank = "WO"
)

// RankInfo pairs a rank value with its display label.
type RankInfo struct {
	Value Rank   `json:"value"`
	Label string `json:"label"`
}

// PaceNoteRequest is the inbound body of a pace note generation.
type PaceNoteRequest struct {
	Rank            Rank     `json:"rank"`
	Observations    string   `json:"observations"`
	CompetencyFocus []string `json:"competencyFocus,omitempty"`
}

// PaceNote is a generated pace note.
type PaceNote struct {
	Feedback    string    `json:"feedback"`
	Rank        Rank      `json:"rank"`
	GeneratedAt time.Time `json:"generatedAt"`
	Usage       Usage     `json:"usage"`
}
