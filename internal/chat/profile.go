package chat

import (
	"context"
	"fmt"

	"github.com/ent0n29/memoria/internal/memory"
)

// Profile returns the user's profile, creating an empty one on first use.
// Concurrent first reads for one user share a single store call.
func (s *Service) Profile(ctx context.Context, userID string) (memory.Profile, error) {
	v, err, _ := s.profiles.Do(userID, func() (any, error) {
		return s.store.EnsureProfile(ctx, userID)
	})
	if err != nil {
		return memory.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return v.(memory.Profile), nil
}

// UpdateProfile merges the supplied fields into the stored profile.
func (s *Service) UpdateProfile(ctx context.Context, userID string, patch memory.ProfilePatch) (memory.Profile, error) {
	p, err := s.store.UpdateProfile(ctx, userID, patch)
	if err != nil {
		return memory.Profile{}, fmt.Errorf("update profile: %w", err)
	}
	return p, nil
}
