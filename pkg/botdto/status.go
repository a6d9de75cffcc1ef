package botdto

import "time"

// SessionInfo describes a live game.
type SessionInfo struct {
	GameID    string    `json:"gameId"`
	Color     string    `json:"color,omitempty"`
	Status    string    `json:"status"`
	Opponent  string    `json:"opponent,omitempty"`
	Ply       int       `json:"ply"`
	Thinking  bool      `json:"thinking"`
	StartedAt time.Time `json:"startedAt"`
}

// Status is the bot-wide snapshot served by the monitor.
type Status struct {
	BotID     string        `json:"botId"`
	MaxGames  int           `json:"maxGames"`
	Games     []SessionInfo `json:"games"`
	StartedAt time.Time     `json:"startedAt"`
}
