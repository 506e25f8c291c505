// Package matching pairs intents with qualified providers and ranks the
// pairings by a deterministic 0-100 score.
package matching

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"intentcast/internal/logging"
	"intentcast/internal/storage"
	"intentcast/internal/types"
)

// ProviderMatch is one ranked provider for an intent.
type ProviderMatch struct {
	Provider          *types.Provider `json:"provider"`
	Score             int             `json:"score"`
	MatchedCategories []string        `json:"matchedCapabilities"`
}

// IntentMatch is one ranked intent for a provider.
type IntentMatch struct {
	Intent            *types.Intent `json:"intent"`
	Score             int           `json:"score"`
	MatchedCategories []string      `json:"matchedCapabilities"`
}

// Stats is a derived snapshot for monitoring; computing it has no side
// effects.
type Stats struct {
	ActiveIntents       int     `json:"activeIntents"`
	OnlineProviders     int     `json:"onlineProviders"`
	PotentialMatches    int     `json:"potentialMatches"`
	AvgMatchesPerIntent float64 `json:"avgMatchesPerIntent"`
}

type Engine struct {
	store  storage.Store
	logger logging.Logger
}

func NewEngine(store storage.Store, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Engine{store: store, logger: logger}
}

// MatchProvidersForIntent returns online providers compatible with the
// intent, best score first. Sort is stable; ties keep list order.
func (e *Engine) MatchProvidersForIntent(intentID string) ([]ProviderMatch, error) {
	intent, err := e.store.GetIntent(intentID)
	if err != nil {
		return nil, err
	}
	providers, err := e.store.ListProviders(storage.ProviderFilter{Status: types.ProviderOnline})
	if err != nil {
		return nil, err
	}
	var matches []ProviderMatch
	for _, p := range providers {
		matched := matchedCategories(intent, p)
		if len(matched) == 0 {
			continue
		}
		score := Score(intent, p, matched)
		if score == 0 {
			continue
		}
		matches = append(matches, ProviderMatch{Provider: p, Score: score, MatchedCategories: matched})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

// MatchIntentsForProvider returns active intents the provider qualifies
// for, best score first.
func (e *Engine) MatchIntentsForProvider(providerID string) ([]IntentMatch, error) {
	provider, err := e.store.GetProvider(providerID)
	if err != nil {
		return nil, err
	}
	intents, err := e.store.ListIntents(storage.IntentFilter{Status: types.IntentActive})
	if err != nil {
		return nil, err
	}
	var matches []IntentMatch
	for _, in := range intents {
		matched := matchedCategories(in, provider)
		if len(matched) == 0 {
			continue
		}
		score := Score(in, provider, matched)
		if score == 0 {
			continue
		}
		matches = append(matches, IntentMatch{Intent: in, Score: score, MatchedCategories: matched})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}

// Stats reports the current pairing landscape.
func (e *Engine) Stats() (Stats, error) {
	var st Stats
	intents, err := e.store.ListIntents(storage.IntentFilter{Status: types.IntentActive})
	if err != nil {
		return st, err
	}
	providers, err := e.store.ListProviders(storage.ProviderFilter{Status: types.ProviderOnline})
	if err != nil {
		return st, err
	}
	st.ActiveIntents = len(intents)
	st.OnlineProviders = len(providers)
	for _, in := range intents {
		for _, p := range providers {
			matched := matchedCategories(in, p)
			if len(matched) > 0 && Score(in, p, matched) > 0 {
				st.PotentialMatches++
			}
		}
	}
	if st.ActiveIntents > 0 {
		st.AvgMatchesPerIntent = float64(st.PotentialMatches) / float64(st.ActiveIntents)
	}
	return st, nil
}

// matchedCategories returns the provider categories compatible with the
// intent's required category. Compatibility is exact match or substring
// containment in either direction, case-insensitive. The containment
// fallback is deliberately loose for free-form categories and can pair
// unrelated categories that share a substring.
func matchedCategories(intent *types.Intent, provider *types.Provider) []string {
	required := strings.ToLower(intent.RequiredCategory())
	if required == "" {
		return nil
	}
	var matched []string
	for _, c := range provider.CategorySet() {
		cl := strings.ToLower(c)
		if cl == required || strings.Contains(cl, required) || strings.Contains(required, cl) {
			matched = append(matched, c)
		}
	}
	return matched
}

// Score rates a compatible pairing from 0 to 100. Hard constraints
// (minimum rating, minimum completed jobs) zero the score outright,
// overriding every bonus.
func Score(intent *types.Intent, provider *types.Provider, matched []string) int {
	if req := intent.Requires; req != nil {
		if req.MinRating > 0 && provider.Rating < req.MinRating {
			return 0
		}
		if req.MinCompletedJobs > 0 && provider.CompletedJobs < req.MinCompletedJobs {
			return 0
		}
	}

	score := 50

	// Breadth of matched capabilities, 10 each, capped at 20.
	breadth := len(matched) * 10
	if breadth > 20 {
		breadth = 20
	}
	score += breadth

	// Cheaper quotes below the ceiling score higher, up to 20.
	if price, ok := provider.PriceFor(intent.RequiredCategory()); ok {
		if intent.MaxPrice.IsPositive() && price.LessThanOrEqual(intent.MaxPrice) {
			ratio := price.Div(intent.MaxPrice)
			bonus := decimal.NewFromInt(1).Sub(ratio).Mul(decimal.NewFromInt(20))
			score += int(bonus.IntPart())
		}
	}

	if intent.Stake.Verified {
		score += 10
	}
	if provider.Rating >= 4.5 {
		score += 5
	}

	if score > 100 {
		score = 100
	}
	return score
}
