// Package strategy selects the conversation strategy for an inbound message.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// DefaultReply is sent when an account has no strategy configured at all.
const DefaultReply = "Thanks for your message! A member of our team will get back to you shortly."

// Repo is the subset of the store the matcher reads.
type Repo interface {
	ListStrategiesByTag(accountID, tag string) ([]models.Strategy, error)
	LatestStrategy(accountID string) (*models.Strategy, error)
}

// Matcher resolves account + contact tags to a strategy. It reads the store on every
// call so configuration changes take effect on the next turn.
type Matcher struct {
	repo Repo
}

// NewMatcher creates a Matcher over repo.
func NewMatcher(repo Repo) *Matcher {
	return &Matcher{repo: repo}
}

// Match scans tags in the order given and returns the newest strategy whose tag matches
// the first tag that has any hit. Without a hit it falls back to the account's most
// recently created strategy. It returns models.ErrNoStrategyFound only when the account
// has no strategies.
//
// When two tags both have strategies, the caller's tag order decides which one wins.
func (m *Matcher) Match(ctx context.Context, accountID string, tags []string) (*models.Strategy, error) {
	for _, tag := range tags {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		hits, err := m.repo.ListStrategiesByTag(accountID, tag)
		if err != nil {
			return nil, fmt.Errorf("lookup strategy for tag %q: %w", tag, err)
		}
		if len(hits) > 0 {
			slog.Debug("Matcher.Match: tag hit", "accountID", accountID, "tag", tag, "strategyID", hits[0].ID)
			st := hits[0]
			return &st, nil
		}
	}

	latest, err := m.repo.LatestStrategy(accountID)
	if err != nil {
		return nil, fmt.Errorf("lookup latest strategy: %w", err)
	}
	if latest == nil {
		slog.Warn("Matcher.Match: account has no strategies", "accountID", accountID)
		return nil, models.ErrNoStrategyFound
	}
	slog.Debug("Matcher.Match: no tag hit, using latest strategy", "accountID", accountID, "strategyID", latest.ID)
	return latest, nil
}
