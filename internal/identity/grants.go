package identity

import (
	"context"
)

// EnsureDefaultGrants assigns the member role of serviceName plus the member
// roles of the fixed infrastructure services to the user, creating only the
// grants that are missing. Running it twice never duplicates a row: the
// repository upsert leans on the (user, role, service) unique constraint and
// treats duplicate-key conflicts as success, so concurrent logins are
// race-safe without an application lock. Existing grants are never removed.
func (s *Service) EnsureDefaultGrants(ctx context.Context, userID int64, serviceName string) error {
	keys, err := s.repo.DefaultGrantKeys(ctx, RoleMember, serviceName, s.infraServices)
	if err != nil {
		return err
	}

	if len(keys) == 0 {
		s.logger.Warn("no default roles resolved for service context",
			"user_id", userID,
			"service_name", serviceName)
		return nil
	}

	if err := s.repo.UpsertGrants(ctx, userID, keys); err != nil {
		return err
	}

	s.logger.Debug("default grants ensured",
		"user_id", userID,
		"service_name", serviceName,
		"grant_count", len(keys))
	return nil
}
