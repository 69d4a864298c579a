package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/helixflow/helixgate/internal/domain"
	infraerrors "github.com/helixflow/helixgate/internal/pkg/errors"
)

// RBACService answers permission queries by flattening role inheritance
// into effective permission sets. Flattened sets are memoized per
// principal and keyed by an epoch, so bumping a principal's epoch
// invalidates only that principal's entries. Unknown role names grant
// nothing; inheritance cycles terminate at the first repeated role.
type RBACService struct {
	roles  map[string]domain.Role
	cache  *ristretto.Cache
	group  singleflight.Group
	epochs sync.Map // sub -> *atomic.Uint64
}

// NewRBACService builds a resolver over roles. A nil map gets the
// built-in tier-aligned role set.
func NewRBACService(roles map[string]domain.Role) (*RBACService, error) {
	if roles == nil {
		roles = domain.BuiltinRoles()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("rbac cache: %w", err)
	}
	return &RBACService{roles: roles, cache: cache}, nil
}

// EffectivePermissions returns p's flattened permission set, sorted.
func (s *RBACService) EffectivePermissions(p *domain.Principal) []domain.Permission {
	set := s.permissionSet(p)
	out := make([]domain.Permission, 0, len(set))
	for perm := range set {
		out = append(out, perm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *RBACService) HasPermission(p *domain.Principal, perm domain.Permission) bool {
	_, ok := s.permissionSet(p)[perm]
	return ok
}

// RequirePermission returns PERMISSION_DENIED when p lacks perm.
func (s *RBACService) RequirePermission(p *domain.Principal, perm domain.Permission) error {
	if s.HasPermission(p, perm) {
		return nil
	}
	return infraerrors.Forbidden("PERMISSION_DENIED",
		fmt.Sprintf("missing permission %s", perm))
}

// Invalidate drops cached permission sets for sub. Entries under the old
// epoch age out of the cache on their own.
func (s *RBACService) Invalidate(sub string) {
	v, _ := s.epochs.LoadOrStore(sub, new(atomic.Uint64))
	v.(*atomic.Uint64).Add(1)
}

func (s *RBACService) Close() {
	s.cache.Close()
}

func (s *RBACService) epoch(sub string) uint64 {
	v, _ := s.epochs.LoadOrStore(sub, new(atomic.Uint64))
	return v.(*atomic.Uint64).Load()
}

func (s *RBACService) permissionSet(p *domain.Principal) map[domain.Permission]struct{} {
	roles := append([]string(nil), p.RoleNames()...)
	sort.Strings(roles)
	key := cacheKey(p, s.epoch(principalID(p)), roles)

	if v, ok := s.cache.Get(key); ok {
		return v.(map[domain.Permission]struct{})
	}
	// singleflight keeps a stampede of identical misses down to one
	// resolution; the others reuse its result.
	v, _, _ := s.group.Do(key, func() (interface{}, error) {
		set := s.resolve(roles)
		s.cache.Set(key, set, int64(len(set)+1))
		return set, nil
	})
	return v.(map[domain.Permission]struct{})
}

func (s *RBACService) resolve(roles []string) map[domain.Permission]struct{} {
	set := make(map[domain.Permission]struct{})
	visited := make(map[string]struct{})
	var walk func(name string)
	walk = func(name string) {
		if _, seen := visited[name]; seen {
			return
		}
		visited[name] = struct{}{}
		role, ok := s.roles[name]
		if !ok {
			return
		}
		for _, perm := range role.Permissions {
			set[perm] = struct{}{}
		}
		for _, parent := range role.Inherits {
			walk(parent)
		}
	}
	for _, name := range roles {
		walk(name)
	}
	return set
}

func cacheKey(p *domain.Principal, epoch uint64, sortedRoles []string) string {
	return principalID(p) + "\x00" + strconv.FormatUint(epoch, 10) + "\x00" + strings.Join(sortedRoles, ",")
}

func principalID(p *domain.Principal) string {
	if p == nil {
		return ""
	}
	return p.ID
}
