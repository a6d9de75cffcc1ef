package botdto

import "time"

// Event kinds published while the bot runs.
const (
	KindChallengeAccepted = "challenge_accepted"
	KindChallengeDeclined = "challenge_declined"
	KindGameStarted       = "game_started"
	KindMovePlayed        = "move_played"
	KindMoveFailed        = "move_failed"
	KindGameFinished      = "game_finished"
	KindGameDropped       = "game_dropped"
)

// Event is one session lifecycle notification for observers.
type Event struct {
	Kind   string    `json:"kind"`
	GameID string    `json:"gameId,omitempty"`
	Color  string    `json:"color,omitempty"`
	Status string    `json:"status,omitempty"`
	Winner string    `json:"winner,omitempty"`
	Move   string    `json:"move,omitempty"`
	Ply    int       `json:"ply,omitempty"`
	FEN    string    `json:"fen,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
