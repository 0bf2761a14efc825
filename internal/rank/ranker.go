// Package rank scores cache entries by how likely the user is to need them.
// One scoring function serves both retention (what to keep under budget
// pressure) and retrieval (how to order search results): predicting what
// the user needs is one problem, not two.
package rank

import (
	"math"
	"strings"
	"time"

	"github.com/gramsetu/syncache/internal/store"
)

// deadlineLeadup is the window in which an approaching deadline raises the
// importance term. Outside it deadline proximity contributes nothing.
const deadlineLeadup = 14 * 24 * time.Hour

const earthRadiusKm = 6371.0

// Weights holds the integer weight applied to each signal. With the
// default 40/25/15/20 split a perfect entry scores 100.
type Weights struct {
	CategoryMatch int
	Proximity     int
	Recency       int
	Importance    int
}

func (w Weights) zero() bool {
	return w.CategoryMatch == 0 && w.Proximity == 0 && w.Recency == 0 && w.Importance == 0
}

// DefaultWeights mirrors the stock ranking policy.
func DefaultWeights() Weights {
	return Weights{CategoryMatch: 40, Proximity: 25, Recency: 15, Importance: 20}
}

// Signals is what the query processor currently knows about the user.
type Signals struct {
	// Location is the user's position, nil when unknown.
	Location *store.GeoPoint
	// Categories are the categories of recent queries, most recent first.
	Categories []string
	// Now anchors time-dependent terms; zero means time.Now.
	Now time.Time
}

// Ranker is an immutable scoring configuration. Policy reloads build a new
// Ranker rather than mutating one in place, so concurrent readers never see
// a half-updated weight set.
type Ranker struct {
	weights  Weights
	radiusKm float64
	halfLife time.Duration
}

// New builds a ranker. Zero or invalid inputs fall back to the stock
// policy values.
func New(weights Weights, radiusKm float64, halfLife time.Duration) Ranker {
	if weights.zero() {
		weights = DefaultWeights()
	}
	if radiusKm <= 0 {
		radiusKm = 50
	}
	if halfLife <= 0 {
		halfLife = 72 * time.Hour
	}
	return Ranker{weights: weights, radiusKm: radiusKm, halfLife: halfLife}
}

// RadiusKm reports the hard service radius.
func (r Ranker) RadiusKm() float64 {
	return r.radiusKm
}

// Score rates one entry against the user's signals. Entries located beyond
// the service radius score zero no matter how strong their other signals
// are.
func (r Ranker) Score(entry store.CacheEntry, signals Signals) int {
	now := signals.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if entry.Location != nil && signals.Location != nil {
		if DistanceKm(*entry.Location, *signals.Location) > r.radiusKm {
			return 0
		}
	}

	score := float64(r.weights.CategoryMatch)*r.categoryFactor(entry, signals) +
		float64(r.weights.Proximity)*r.proximityFactor(entry, signals) +
		float64(r.weights.Recency)*r.recencyFactor(entry, now) +
		float64(r.weights.Importance)*r.importanceFactor(entry, now)
	return int(math.Round(score))
}

func (r Ranker) categoryFactor(entry store.CacheEntry, signals Signals) float64 {
	if entry.Category == "" {
		return 0
	}
	for _, category := range signals.Categories {
		if strings.EqualFold(category, entry.Category) {
			return 1
		}
	}
	return 0
}

// proximityFactor decays linearly from 1 at the user's position to 0 at the
// service radius. An entry without a location applies everywhere and gets
// the full factor; without a user location the term contributes nothing.
func (r Ranker) proximityFactor(entry store.CacheEntry, signals Signals) float64 {
	if signals.Location == nil {
		return 0
	}
	if entry.Location == nil {
		return 1
	}
	distance := DistanceKm(*entry.Location, *signals.Location)
	if distance >= r.radiusKm {
		return 0
	}
	return 1 - distance/r.radiusKm
}

func (r Ranker) recencyFactor(entry store.CacheEntry, now time.Time) float64 {
	if entry.LastAccess.IsZero() {
		return 0
	}
	age := now.Sub(entry.LastAccess)
	if age <= 0 {
		return 1
	}
	return math.Exp2(-age.Hours() / r.halfLife.Hours())
}

// importanceFactor takes the stronger of the origin's importance flag and
// deadline proximity: a flagged entry matters regardless of deadline, and
// an imminent deadline matters regardless of the flag.
func (r Ranker) importanceFactor(entry store.CacheEntry, now time.Time) float64 {
	var flag float64
	if entry.Importance > 0 {
		flag = 1
	}

	var deadline float64
	if !entry.Deadline.IsZero() {
		remaining := entry.Deadline.Sub(now)
		if remaining > 0 && remaining < deadlineLeadup {
			deadline = 1 - remaining.Hours()/deadlineLeadup.Hours()
		}
	}

	return math.Max(flag, deadline)
}

// DistanceKm is the great-circle distance between two points.
func DistanceKm(a, b store.GeoPoint) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}
