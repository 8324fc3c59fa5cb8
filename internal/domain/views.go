package domain

// MatchScore is pushed whenever a goal changes a match result.
type MatchScore struct {
	MatchID    string `json:"matchId,omitempty"`
	HomeClubID string `json:"homeClubId"`
	AwayClubID string `json:"awayClubId"`
	HomeGoals  int    `json:"homeGoals"`
	AwayGoals  int    `json:"awayGoals"`
}

// TeamRanking is one row of the league table.
type TeamRanking struct {
	ClubID        string `json:"clubId"`
	MatchesPlayed int    `json:"matchesPlayed"`
	Won           int    `json:"won"`
	Drawn         int    `json:"drawn"`
	Lost          int    `json:"lost"`
	GoalsFor      int    `json:"goalsFor"`
	GoalsAgainst  int    `json:"goalsAgainst"`
	Points        int    `json:"points"`
}

type PlayerGoals struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	Goals      int    `json:"goals"`
}

type PlayerCards struct {
	PlayerID    string `json:"playerId"`
	PlayerName  string `json:"playerName"`
	YellowCards int    `json:"yellowCards"`
	RedCards    int    `json:"redCards"`
}

// TopPlayers is the scorers leaderboard.
type TopPlayers struct {
	Players []PlayerGoals `json:"players"`
}
