package wire

// Client request payloads.

type SearchMatchRequest struct {
	GameType string `json:"gameType"`
	Rated    bool   `json:"isRated"`
}

type CreateFriendlyGameRequest struct {
	GameType string `json:"gameType"`
}

type SendChallengeRequest struct {
	GameType       string `json:"gameType"`
	TargetUsername string `json:"targetUsername"`
}

type DeclineChallengeRequest struct {
	SessionID    string `json:"sessionId"`
	FromUsername string `json:"fromUsername"`
}

type JoinGameRequest struct {
	SessionID string `json:"sessionId"`
}

type MakeMoveRequest struct {
	SessionID     string `json:"sessionId"`
	SubBoardIndex int    `json:"subBoardIndex"`
	SquareIndex   int    `json:"squareIndex"`
}

type ResignRequest struct {
	SessionID string `json:"sessionId"`
}

type AckRequest struct {
	Ticket string `json:"ticket"`
}

// Server event payloads.

type MatchFoundPayload struct {
	SessionID string `json:"sessionId"`
}

type ChallengeCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

type ReceiveChallengePayload struct {
	From      string `json:"from"`
	SessionID string `json:"sessionId"`
	GameType  string `json:"gameType"`
}

type ChallengeDeclinedPayload struct {
	FromUsername string `json:"fromUsername"`
}

type FriendlyGameCreatedPayload struct {
	SessionID string `json:"sessionId"`
}

type GameResultPayload struct {
	SessionID string `json:"sessionId"`
	Winner    string `json:"winner,omitempty"`
	Status    string `json:"status"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
