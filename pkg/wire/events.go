package wire

import "encoding/json"

// Client → server events.
const (
	EvSearchMatch        = "searchMatch"
	EvCancelSearch       = "cancelSearch"
	EvCreateFriendlyGame = "createFriendlyGame"
	EvSendChallenge      = "sendChallenge"
	EvDeclineChallenge   = "declineChallenge"
	EvJoinGame           = "joinGame"
	EvMakeMove           = "makeMove"
	EvResign             = "resign"
	EvAck                = "ack"
)

// Server → client events.
const (
	EvSearchStarted       = "searchStarted"
	EvSearchCancelled     = "searchCancelled"
	EvMatchFound          = "matchFound"
	EvChallengeCreated    = "challengeCreated"
	EvReceiveChallenge    = "receiveChallenge"
	EvChallengeDeclined   = "challengeDeclined"
	EvFriendlyGameCreated = "friendlyGameCreated"
	EvGameState           = "gameState"
	EvGameResult          = "gameResult"
	EvError               = "error"
)

// Envelope wraps every frame on the socket in a consistent format. Ticket is
// set on server frames that require an acknowledgement and echoed back by the
// client in an ack frame.
type Envelope struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
	Ticket string          `json:"ticket,omitempty"`
}
