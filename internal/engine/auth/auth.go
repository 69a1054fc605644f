package auth

import (
	"sort"

	"creditline/internal/config"
	"creditline/internal/domain"
)

// Service answers RBAC questions from the configured role table.
type Service struct {
	Config *config.Config
}

// Permissions returns the sorted permissions granted to role.
func (s Service) Permissions(role domain.Role) []string {
	perms := append([]string(nil), s.Config.RolePermissions(string(role))...)
	sort.Strings(perms)
	return perms
}

func (s Service) ActorHasPermission(actor domain.Actor, perm string) bool {
	for _, p := range s.Config.RolePermissions(string(actor.Role)) {
		if p == perm {
			return true
		}
	}
	return false
}

// Require returns a domain.ForbiddenError unless actor holds perm.
func (s Service) Require(actor domain.Actor, perm string) error {
	if s.ActorHasPermission(actor, perm) {
		return nil
	}
	return domain.ForbiddenError{Permission: perm}
}
