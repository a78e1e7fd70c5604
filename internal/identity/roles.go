// Package identity supplies the engine's minimal authorization surface.
// Authentication itself is an external collaborator; the engine only asks
// whether an explicit acting party holds the administrative role.
package identity

import (
	"context"
	"sync"

	"pledger/pkg/domain"
)

// RoleChecker answers administrative-role checks for explicit actor IDs.
type RoleChecker interface {
	IsAdmin(ctx context.Context, id domain.UserID) (bool, error)
}

// StaticRoles is a fixed admin set, loaded at wiring time.
type StaticRoles struct {
	mu     sync.RWMutex
	admins map[domain.UserID]struct{}
}

func NewStaticRoles(admins ...domain.UserID) *StaticRoles {
	s := &StaticRoles{admins: make(map[domain.UserID]struct{}, len(admins))}
	for _, id := range admins {
		s.admins[id] = struct{}{}
	}
	return s
}

func (s *StaticRoles) IsAdmin(_ context.Context, id domain.UserID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.admins[id]
	return ok, nil
}

// Grant adds an admin; used by tests and dev wiring.
func (s *StaticRoles) Grant(id domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[id] = struct{}{}
}
