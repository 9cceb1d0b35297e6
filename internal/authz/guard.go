// Package authz is the AccessGuard: it verifies the caller's API token and
// asks a Casbin policy whether the caller may act on a feed.
package authz

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"

	"github.com/blackmichael/activity-feeds/internal/domain"
)

//go:embed model.conf
var embeddedModel string

//go:embed policy.csv
var embeddedPolicy string

// Guard implements domain.AccessGuard.
type Guard struct {
	tokens   *TokenManager
	enforcer *casbin.SyncedEnforcer
}

// NewGuard builds a Guard. policyPath names a Casbin policy CSV; when empty
// or missing the embedded policy is used.
func NewGuard(tokens *TokenManager, policyPath string) (*Guard, error) {
	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("load casbin model: %w", err)
	}

	var enforcer *casbin.SyncedEnforcer
	if policyPath != "" && fileExists(policyPath) {
		enforcer, err = casbin.NewSyncedEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		enforcer, err = casbin.NewSyncedEnforcer(m)
		if err == nil {
			err = loadEmbeddedPolicy(enforcer, embeddedPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create casbin enforcer: %w", err)
	}

	return &Guard{tokens: tokens, enforcer: enforcer}, nil
}

// Authorize checks the token carried by ctx. The subject is allowed when it,
// or one of its token roles, is granted resource/action on the feed, or when
// the subject owns the feed (subject == userID).
func (g *Guard) Authorize(ctx context.Context, slug, userID, resource, action string) error {
	key := domain.NewFeedKey(slug, userID)
	deny := func(err error) error {
		return &domain.AuthorizationError{Feed: key, Resource: resource, Action: action, Err: err}
	}

	raw, ok := TokenFromContext(ctx)
	if !ok {
		return deny(domain.ErrUnauthorized)
	}
	claims, err := g.tokens.ValidateToken(raw)
	if err != nil {
		return deny(fmt.Errorf("%w: %v", domain.ErrUnauthorized, err))
	}

	allowed, err := g.enforcer.Enforce(claims.Subject, key.String(), userID, resource, action)
	if err != nil {
		return fmt.Errorf("enforce policy: %w", err)
	}
	for _, role := range claims.Roles {
		if allowed {
			break
		}
		allowed, err = g.enforcer.Enforce(role, key.String(), "", resource, action)
		if err != nil {
			return fmt.Errorf("enforce policy: %w", err)
		}
	}

	if !allowed {
		return deny(fmt.Errorf("%w: %s may not %s %s", domain.ErrForbidden, claims.Subject, action, resource))
	}
	return nil
}

// loadEmbeddedPolicy parses policy CSV lines into the enforcer.
func loadEmbeddedPolicy(enforcer *casbin.SyncedEnforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}

		switch ptype, rule := parts[0], parts[1:]; ptype {
		case "p":
			if len(rule) != 4 {
				return fmt.Errorf("policy line %q: want 4 fields", line)
			}
			if _, err := enforcer.AddPolicy(rule[0], rule[1], rule[2], rule[3]); err != nil {
				return fmt.Errorf("add policy %v: %w", rule, err)
			}
		case "g":
			if len(rule) != 2 {
				return fmt.Errorf("grouping line %q: want 2 fields", line)
			}
			if _, err := enforcer.AddGroupingPolicy(rule[0], rule[1]); err != nil {
				return fmt.Errorf("add grouping policy %v: %w", rule, err)
			}
		}
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
