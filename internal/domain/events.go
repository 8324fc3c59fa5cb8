package domain

import "time"

// Meta is carried by every domain event.
type Meta struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
}

// PlayerStartedCareer is derived by the CDC pipeline from an inserted player row.
type PlayerStartedCareer struct {
	Meta
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
}

type MatchScheduled struct {
	Meta
	MatchID    string `json:"matchId"`
	SeasonID   string `json:"seasonId"`
	MatchDate  string `json:"matchDate"`
	HomeClubID string `json:"homeClubId"`
	AwayClubID string `json:"awayClubId"`
}

type MatchStarted struct {
	Meta
	MatchID    string `json:"matchId"`
	HomeClubID string `json:"homeClubId"`
	AwayClubID string `json:"awayClubId"`
}

type GoalScored struct {
	Meta
	GoalID    string `json:"goalId"`
	MatchID   string `json:"matchId"`
	Minute    int    `json:"minute"`
	ScorerID  string `json:"scorerId"`
	ScoredFor string `json:"scoredFor"`
}

// CardType is the colour of a card.
type CardType string

const (
	Yellow CardType = "YELLOW"
	Red    CardType = "RED"
)

type CardReceived struct {
	Meta
	CardID     string   `json:"cardId"`
	MatchID    string   `json:"matchId"`
	Minute     int      `json:"minute"`
	ReceiverID string   `json:"receiverId"`
	Type       CardType `json:"type"`
}

type MatchFinished struct {
	Meta
	MatchID string `json:"matchId"`
}
