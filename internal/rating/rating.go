package rating

import (
	"math"
)

// Rating is one player's skill record for a single game type.
type Rating struct {
	Rating     float64 `json:"rating"`
	Deviation  float64 `json:"deviation"`
	Volatility float64 `json:"volatility"`
}

const (
	defaultRating     = 1500
	defaultDeviation  = 350
	defaultVolatility = 0.06

	minDeviation  = 120
	maxVolatility = 800
)

// Default is the record assigned to a player with no rated history.
func Default() Rating {
	return Rating{Rating: defaultRating, Deviation: defaultDeviation, Volatility: defaultVolatility}
}

var q = math.Ln10 / 400

// g discounts the influence of an opponent with an uncertain rating.
func g(deviation float64) float64 {
	return 1 / math.Sqrt(1+3*q*q*deviation*deviation/(math.Pi*math.Pi))
}

// expected is the logistic expected score of player against opponent.
func expected(player, opponent Rating) float64 {
	return 1 / (1 + math.Pow(10, -g(opponent.Deviation)*(player.Rating-opponent.Rating)/400))
}

// Update returns the adjusted rating for one participant of a finished rated
// game. outcome is 1 for a win, 0.5 for a tie, 0 for a loss. The deviation is
// floored and the volatility capped so a long streak can neither lock a
// rating in place nor blow it up.
func Update(player, opponent Rating, outcome float64) Rating {
	gOpp := g(opponent.Deviation)
	e := expected(player, opponent)

	d2 := 1 / (q * q * gOpp * gOpp * e * (1 - e))
	precision := 1/(player.Deviation*player.Deviation) + 1/d2
	k := q / precision

	next := Rating{
		Rating:     player.Rating + k*gOpp*(outcome-e),
		Deviation:  math.Sqrt(1 / precision),
		Volatility: player.Volatility * (0.9 + 0.2*math.Abs(outcome-e)),
	}
	if next.Deviation < minDeviation {
		next.Deviation = minDeviation
	}
	if next.Volatility > maxVolatility {
		next.Volatility = maxVolatility
	}
	return next
}

// Outcomes maps a game result to the per-player score pair (winner perspective
// first). A tie is half a point each.
func Outcomes(tied bool) (winner, loser float64) {
	if tied {
		return 0.5, 0.5
	}
	return 1, 0
}
