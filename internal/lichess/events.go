package lichess

import "strings"

// Account stream event types.
const (
	EventChallenge         = "challenge"
	EventChallengeCanceled = "challengeCanceled"
	EventChallengeDeclined = "challengeDeclined"
	EventGameStart         = "gameStart"
	EventGameFinish        = "gameFinish"
)

// Game stream event types.
const (
	EventGameFull     = "gameFull"
	EventGameState    = "gameState"
	EventChatLine     = "chatLine"
	EventOpponentGone = "opponentGone"
)

// Game statuses that keep a game running. Everything else is terminal.
const (
	StatusCreated = "created"
	StatusStarted = "started"
)

type Player struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Rating      int    `json:"rating,omitempty"`
	Provisional bool   `json:"provisional,omitempty"`
	AILevel     int    `json:"aiLevel,omitempty"`
}

// Display prefers the human readable name.
func (p Player) Display() string {
	switch {
	case p.Name != "":
		return p.Name
	case p.ID != "":
		return p.ID
	case p.AILevel > 0:
		return "stockfish"
	}
	return "anonymous"
}

type Variant struct {
	Key   string `json:"key"`
	Name  string `json:"name"`
	Short string `json:"short,omitempty"`
}

type TimeControl struct {
	Type      string `json:"type"`
	Limit     int    `json:"limit,omitempty"`
	Increment int    `json:"increment,omitempty"`
	Show      string `json:"show,omitempty"`
}

type Challenge struct {
	ID          string      `json:"id"`
	URL         string      `json:"url,omitempty"`
	Status      string      `json:"status,omitempty"`
	Challenger  Player      `json:"challenger"`
	DestUser    *Player     `json:"destUser,omitempty"`
	Variant     Variant     `json:"variant"`
	Rated       bool        `json:"rated"`
	Speed       string      `json:"speed,omitempty"`
	TimeControl TimeControl `json:"timeControl"`
	Color       string      `json:"color,omitempty"`
}

type GameRef struct {
	ID     string `json:"id"`
	GameID string `json:"gameId,omitempty"`
	FullID string `json:"fullId,omitempty"`
	Color  string `json:"color,omitempty"`
	FEN    string `json:"fen,omitempty"`
}

// Key is the game id, whichever field the server filled.
func (g GameRef) Key() string {
	if g.GameID != "" {
		return g.GameID
	}
	return g.ID
}

// AccountEvent is one line of the account stream.
type AccountEvent struct {
	Type      string     `json:"type"`
	Challenge *Challenge `json:"challenge,omitempty"`
	Game      *GameRef   `json:"game,omitempty"`
}

// GameState is the mutable part of a game: the full move list and status.
type GameState struct {
	Moves  string `json:"moves"`
	WTime  int64  `json:"wtime,omitempty"`
	BTime  int64  `json:"btime,omitempty"`
	WInc   int64  `json:"winc,omitempty"`
	BInc   int64  `json:"binc,omitempty"`
	Status string `json:"status"`
	Winner string `json:"winner,omitempty"`
}

// Running reports whether the game is still in progress.
func (s GameState) Running() bool {
	st := strings.TrimSpace(s.Status)
	return st == "" || st == StatusStarted || st == StatusCreated
}

// GameEvent is one line of a game stream. gameFull fills the header fields
// and State; gameState fills the embedded GameState.
type GameEvent struct {
	Type string `json:"type"`

	ID         string     `json:"id,omitempty"`
	Variant    Variant    `json:"variant"`
	Speed      string     `json:"speed,omitempty"`
	Rated      bool       `json:"rated,omitempty"`
	White      Player     `json:"white"`
	Black      Player     `json:"black"`
	InitialFen string     `json:"initialFen,omitempty"`
	State      *GameState `json:"state,omitempty"`

	GameState

	Username string `json:"username,omitempty"`
	Text     string `json:"text,omitempty"`
	Room     string `json:"room,omitempty"`

	Gone              bool `json:"gone,omitempty"`
	ClaimWinInSeconds int  `json:"claimWinInSeconds,omitempty"`
}

// Account is the authenticated user.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Title    string `json:"title,omitempty"`
}
