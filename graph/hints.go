package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/deemkeen/fedgraph/domain"
)

const (
	hintsRankUnit = 1000
	// HintsRankCeiling is the maximum rank a user may reach before all of
	// their ranks are halved.
	HintsRankCeiling = 500000
)

// IncrementHintsRank raises the rank of friend followee in follower's list
// by amount units. It reports false when the two are not friends.
func (e *Engine) IncrementHintsRank(ctx context.Context, follower, followee int64, amount int) (bumped bool, err error) {
	if amount <= 0 {
		return false, domain.NewError(domain.ReasonBadRequest, "hints increment must be positive")
	}
	err = e.Update(ctx, func(tx *Tx) error {
		bumped, err = tx.IncrementHintsRank(follower, followee, int64(amount)*hintsRankUnit)
		return err
	})
	return bumped, err
}

// NormalizeHintsRanks halves every rank of each user whose highest rank is
// above HintsRankCeiling. Relative order is kept. It returns how many users
// were normalized.
func (e *Engine) NormalizeHintsRanks(ctx context.Context) (int, error) {
	var n int
	err := e.Update(ctx, func(tx *Tx) error {
		ids, err := tx.FollowersOverRank(HintsRankCeiling)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.HalveHintsRanks(id); err != nil {
				return fmt.Errorf("halve ranks of %d: %w", id, err)
			}
		}
		n = len(ids)
		return nil
	})
	return n, err
}

// StartHintsNormalizer runs NormalizeHintsRanks on the cron schedule expr
// until ctx is cancelled.
func (e *Engine) StartHintsNormalizer(ctx context.Context, expr string) error {
	if !gronx.IsValid(expr) {
		return fmt.Errorf("invalid hints normalization cron expression: %q", expr)
	}
	log.Infof("Hints normalization scheduled: %s", expr)
	go func() {
		for {
			next, err := gronx.NextTickAfter(expr, time.Now().UTC(), false)
			if err != nil {
				log.Errorf("HintsNormalizer: next tick for %q: %v", expr, err)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(next)):
			}
			n, err := e.NormalizeHintsRanks(ctx)
			if err != nil {
				log.Warnf("HintsNormalizer: %v", err)
				continue
			}
			if n > 0 {
				log.Infof("HintsNormalizer: normalized ranks of %d users", n)
			}
		}
	}()
	return nil
}
