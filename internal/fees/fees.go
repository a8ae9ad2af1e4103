// Package fees estimates settlement-chain fee rates with a per-tier
// TTL cache in front of the node.
package fees

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	walleterr "github.com/helix-wallet/helixd/internal/errors"
	"github.com/helix-wallet/helixd/pkg/helpers"
	"github.com/helix-wallet/helixd/pkg/logging"
)

// Priority selects a confirmation-speed tier.
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityMedium  Priority = "medium"
	PriorityLow     Priority = "low"
	PriorityMinimum Priority = "minimum"
)

// Mode selects the node's estimation strategy.
type Mode string

const (
	ModeConservative Mode = "CONSERVATIVE"
	ModeEconomical   Mode = "ECONOMICAL"
)

// ParseMode normalizes a caller-supplied mode string. Empty input
// returns the empty Mode, which lets the tier pick its default.
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(s) {
	case "":
		return "", nil
	case string(ModeConservative):
		return ModeConservative, nil
	case string(ModeEconomical):
		return ModeEconomical, nil
	default:
		return "", walleterr.E(walleterr.KindValidation, "fees", "ParseMode",
			"unknown estimation mode: "+s)
	}
}

// tier maps a priority to its confirmation target and the confidence
// the node estimate carries at that depth.
type tier struct {
	confTarget int
	confidence float64
}

var tiers = map[Priority]tier{
	PriorityHigh:    {confTarget: 1, confidence: 0.95},
	PriorityMedium:  {confTarget: 3, confidence: 0.90},
	PriorityLow:     {confTarget: 6, confidence: 0.80},
	PriorityMinimum: {confTarget: 100, confidence: 0.50},
}

// DefaultCacheTTL bounds how stale a served estimate can be.
const DefaultCacheTTL = 10 * time.Minute

// fallbackRelayFee is used when the node cannot report its relay
// floor, in sat/vB.
const fallbackRelayFee uint64 = 1

// Estimate is a fee recommendation for one priority tier or raw
// confirmation target.
type Estimate struct {
	Priority   Priority  `json:"priority,omitempty"`
	Mode       Mode      `json:"mode"`
	SatPerVB   uint64    `json:"satPerVb"`
	ConfTarget int       `json:"confTarget"`
	Confidence float64   `json:"confidence,omitempty"`
	FetchedAt  time.Time `json:"fetchedAt"`
}

// Estimator is the node surface the service needs.
type Estimator interface {
	// EstimateSmartFee returns a fee estimate in BTC/kB.
	EstimateSmartFee(ctx context.Context, confTarget int, mode string) (float64, error)

	// RelayFee returns the node's minimum relay fee in BTC/kB.
	RelayFee(ctx context.Context) (float64, error)
}

type cachedEstimate struct {
	estimate *Estimate
	expires  time.Time
}

// cacheKey identifies one estimate: the same confirmation target under
// different modes is cached separately.
type cacheKey struct {
	confTarget int
	mode       Mode
}

// Service caches node fee estimates per (target, mode) pair.
type Service struct {
	node  Estimator
	ttl   time.Duration
	mu    sync.RWMutex
	cache map[cacheKey]cachedEstimate
	sf    singleflight.Group
	log   *logging.Logger
}

// NewService creates a fee service. ttl <= 0 selects DefaultCacheTTL.
func NewService(node Estimator, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		node:  node,
		ttl:   ttl,
		cache: make(map[cacheKey]cachedEstimate),
		log:   logging.GetDefault().Component("fees"),
	}
}

// defaultMode picks the estimation mode a tier uses when the caller
// does not supply one. Minimum priority tolerates re-estimation, the
// rest pay for certainty.
func defaultMode(priority Priority) Mode {
	if priority == PriorityMinimum {
		return ModeEconomical
	}
	return ModeConservative
}

// EstimateFee returns the sat/vB rate for a priority tier, serving from
// cache within the TTL. An empty mode selects the tier's default.
// Concurrent misses for the same (target, mode) share one node query.
func (s *Service) EstimateFee(ctx context.Context, priority Priority, mode Mode) (*Estimate, error) {
	t, ok := tiers[priority]
	if !ok {
		return nil, walleterr.E(walleterr.KindValidation, "fees", "EstimateFee",
			"unknown priority: "+string(priority))
	}
	if mode == "" {
		mode = defaultMode(priority)
	}
	return s.estimate(ctx, cacheKey{confTarget: t.confTarget, mode: mode}, priority, t.confidence)
}

// EstimateForTarget returns the sat/vB rate for an explicit
// confirmation target in blocks, outside the priority tiers. An empty
// mode defaults to conservative.
func (s *Service) EstimateForTarget(ctx context.Context, confTarget int, mode Mode) (*Estimate, error) {
	if confTarget <= 0 {
		return nil, walleterr.E(walleterr.KindValidation, "fees", "EstimateForTarget",
			fmt.Sprintf("confirmation target must be positive, got %d", confTarget))
	}
	if mode == "" {
		mode = ModeConservative
	}
	return s.estimate(ctx, cacheKey{confTarget: confTarget, mode: mode}, "", 0)
}

func (s *Service) estimate(ctx context.Context, key cacheKey, priority Priority, confidence float64) (*Estimate, error) {
	s.mu.RLock()
	cached, hit := s.cache[key]
	s.mu.RUnlock()
	if hit && time.Now().Before(cached.expires) {
		return cached.estimate, nil
	}

	sfKey := fmt.Sprintf("%d/%s", key.confTarget, key.mode)
	result, err, _ := s.sf.Do(sfKey, func() (interface{}, error) {
		return s.fetch(ctx, key, priority, confidence)
	})
	if err != nil {
		// Serve a stale entry over failing outright.
		if hit {
			s.log.Warn("Serving stale fee estimate",
				"conf_target", key.confTarget, "mode", key.mode, "error", err)
			return cached.estimate, nil
		}
		return nil, err
	}
	return result.(*Estimate), nil
}

// Recommendations returns estimates for every tier under one mode. An
// empty mode lets each tier pick its default. A tier failure fails the
// whole call.
func (s *Service) Recommendations(ctx context.Context, mode Mode) (map[Priority]*Estimate, error) {
	out := make(map[Priority]*Estimate, len(tiers))
	for priority := range tiers {
		est, err := s.EstimateFee(ctx, priority, mode)
		if err != nil {
			return nil, err
		}
		out[priority] = est
	}
	return out, nil
}

// CalculateFee returns the total fee for a transaction of the given
// virtual size at a priority tier.
func (s *Service) CalculateFee(ctx context.Context, priority Priority, mode Mode, vsize int64) (uint64, error) {
	if vsize <= 0 {
		return 0, walleterr.E(walleterr.KindInvalidFee, "fees", "CalculateFee",
			fmt.Sprintf("virtual size must be positive, got %d", vsize))
	}

	est, err := s.EstimateFee(ctx, priority, mode)
	if err != nil {
		return 0, err
	}
	return est.SatPerVB * uint64(vsize), nil
}

// MinimumRelayFee returns the node's relay floor in sat/vB, falling
// back to 1 sat/vB when the node cannot report it.
func (s *Service) MinimumRelayFee(ctx context.Context) uint64 {
	btcPerKB, err := s.node.RelayFee(ctx)
	if err != nil || btcPerKB <= 0 {
		return fallbackRelayFee
	}
	rate := helpers.BTCPerKBToSatPerVB(btcPerKB)
	if rate == 0 {
		return fallbackRelayFee
	}
	return rate
}

// Invalidate drops all cached estimates.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.cache = make(map[cacheKey]cachedEstimate)
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context, key cacheKey, priority Priority, confidence float64) (*Estimate, error) {
	btcPerKB, err := s.node.EstimateSmartFee(ctx, key.confTarget, string(key.mode))
	if err != nil {
		return nil, walleterr.Wrap(err, walleterr.KindFeeEstimation, "fees", "EstimateFee",
			"node estimate failed").
			WithMeta("conf_target", strconv.Itoa(key.confTarget)).
			WithMeta("mode", string(key.mode))
	}

	rate := helpers.BTCPerKBToSatPerVB(btcPerKB)
	if floor := s.MinimumRelayFee(ctx); rate < floor {
		rate = floor
	}

	est := &Estimate{
		Priority:   priority,
		Mode:       key.mode,
		SatPerVB:   rate,
		ConfTarget: key.confTarget,
		Confidence: confidence,
		FetchedAt:  time.Now(),
	}

	s.mu.Lock()
	s.cache[key] = cachedEstimate{estimate: est, expires: est.FetchedAt.Add(s.ttl)}
	s.mu.Unlock()

	s.log.Debug("Fee estimate refreshed",
		"conf_target", key.confTarget, "mode", key.mode, "sat_per_vb", rate)
	return est, nil
}
