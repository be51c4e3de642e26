// Package memory — in-memory реализация всех репозиториев ядра.
// Используется в тестах и при storage.driver=memory.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/spaceai-agent-core/internal/audit"
	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

type Store struct {
	mu sync.RWMutex

	templates map[string][]domain.AgentTemplate // id -> версии по возрастанию
	policies  map[string]domain.Policy
	instances map[string]*domain.AgentInstance
	calls     map[string]*domain.ToolCall
	events    []audit.AuditEvent
	users     map[string]domain.User // username -> user
	strict    map[string]bool
	leases    map[string]lease // instance id -> реплика-исполнитель
}

type lease struct {
	replica string
	until   time.Time
}

func NewStore() *Store {
	return &Store{
		templates: make(map[string][]domain.AgentTemplate),
		policies:  make(map[string]domain.Policy),
		instances: make(map[string]*domain.AgentInstance),
		calls:     make(map[string]*domain.ToolCall),
		users:     make(map[string]domain.User),
		strict:    make(map[string]bool),
		leases:    make(map[string]lease),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// --- Templates ---

func (s *Store) CreateTemplate(_ context.Context, t *domain.AgentTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.templates[t.ID]
	if t.Version == 1 && len(versions) > 0 {
		return fmt.Errorf("%w: %s v1", domain.ErrVersionConflict, t.ID)
	}
	if len(versions) > 0 && versions[len(versions)-1].Version >= t.Version {
		return fmt.Errorf("%w: %s v%d is not newer than v%d", domain.ErrVersionConflict, t.ID, t.Version, versions[len(versions)-1].Version)
	}
	s.templates[t.ID] = append(versions, cloneTemplate(*t))
	return nil
}

// GetTemplate: version 0 — последняя версия.
func (s *Store) GetTemplate(_ context.Context, id string, version int) (*domain.AgentTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.templates[id]
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, id)
	}
	if version == 0 {
		t := cloneTemplate(versions[len(versions)-1])
		return &t, nil
	}
	for _, t := range versions {
		if t.Version == version {
			t = cloneTemplate(t)
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s v%d", domain.ErrTemplateNotFound, id, version)
}

func (s *Store) RetireTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.templates[id]
	if len(versions) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, id)
	}
	for i := range versions {
		versions[i].Retired = true
	}
	return nil
}

func (s *Store) ListTemplates(context.Context) ([]*domain.AgentTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.AgentTemplate, 0, len(s.templates))
	for _, versions := range s.templates {
		t := cloneTemplate(versions[len(versions)-1])
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Policies ---

func (s *Store) GetAllPolicies(context.Context) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, *p.Clone())
	}
	return out, nil
}

func (s *Store) GetPolicy(_ context.Context, scope domain.Scope, subjectID string) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[domain.PolicyKey(scope, subjectID)]
	if !ok {
		return nil, domain.ErrPolicyNotFound
	}
	return p.Clone(), nil
}

func (s *Store) UpsertPolicy(_ context.Context, p *domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.Key()] = *p.Clone()
	return nil
}

// --- Instances ---

func (s *Store) CreateInstance(_ context.Context, inst *domain.AgentInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("memory: instance %s already exists", inst.ID)
	}
	s.instances[inst.ID] = inst.Snapshot()
	return nil
}

// SaveInstance перезаписывает снапшот; терминальный инстанс больше не меняется.
func (s *Store) SaveInstance(_ context.Context, inst *domain.AgentInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, inst.ID)
	}
	if cur.State.IsTerminal() {
		return fmt.Errorf("memory: instance %s is terminal", inst.ID)
	}
	s.instances[inst.ID] = inst.Snapshot()
	return nil
}

func (s *Store) GetInstance(_ context.Context, id string) (*domain.AgentInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
	}
	return inst.Snapshot(), nil
}

func (s *Store) ListInstancesByState(_ context.Context, states ...domain.InstanceState) ([]*domain.AgentInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.AgentInstance, 0)
	for _, inst := range s.instances {
		if slices.Contains(states, inst.State) {
			out = append(out, inst.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListChildren(_ context.Context, parentID string) ([]*domain.AgentInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.AgentInstance, 0)
	for _, inst := range s.instances {
		if inst.ParentInstanceID == parentID {
			out = append(out, inst.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CountActive: нетерминальные инстансы владельца, организации и всей платформы.
func (s *Store) CountActive(_ context.Context, ownerID, orgID string) (domain.ActiveCounts, error) {
	var c domain.ActiveCounts
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, inst := range s.instances {
		if inst.State.IsTerminal() {
			continue
		}
		c.Total++
		if inst.OwnerID == ownerID {
			c.Owner++
		}
		if orgID != "" && inst.OrgID == orgID {
			c.Org++
		}
	}
	return c, nil
}

func (s *Store) ClaimInstance(_ context.Context, id, replicaID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok || inst.State.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	if l, held := s.leases[id]; held && l.replica != replicaID && now.Before(l.until) {
		return false, nil
	}
	s.leases[id] = lease{replica: replicaID, until: now.Add(ttl)}
	return true, nil
}

func (s *Store) RenewLeases(_ context.Context, replicaID string, ids []string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	until := time.Now().Add(ttl)
	for _, id := range ids {
		if l, ok := s.leases[id]; ok && l.replica == replicaID {
			s.leases[id] = lease{replica: replicaID, until: until}
		}
	}
	return nil
}

func (s *Store) ReleaseLeases(_ context.Context, replicaID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if l, ok := s.leases[id]; ok && l.replica == replicaID {
			delete(s.leases, id)
		}
	}
	return nil
}

func (s *Store) GetDashboard(context.Context) (*domain.Dashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := &domain.Dashboard{}
	d.Instances.ByState = make(map[domain.InstanceState]int)
	for _, inst := range s.instances {
		d.Instances.ByState[inst.State]++
		if !inst.State.IsTerminal() {
			d.Instances.Active++
		}
	}
	for _, c := range s.calls {
		if c.Status == domain.CallPendingApproval {
			d.Risks.PendingApprovals++
		}
		if c.SafetyTier == domain.TierDangerous {
			d.Risks.DangerousCalls++
		}
	}
	return d, nil
}

// --- Tool calls ---

func (s *Store) CreateToolCall(_ context.Context, c *domain.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.calls[c.ID]; exists {
		return fmt.Errorf("memory: tool call %s already exists", c.ID)
	}
	s.calls[c.ID] = c.Clone()
	return nil
}

func (s *Store) GetToolCall(_ context.Context, id string) (*domain.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolCallNotFound, id)
	}
	return c.Clone(), nil
}

// TransitionToolCall: аналог UPDATE ... WHERE status = from.
func (s *Store) TransitionToolCall(_ context.Context, id string, from, to domain.ToolCallStatus, actor, reason string, at time.Time) (*domain.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrToolCallNotFound, id)
	}
	if c.Status != from {
		return nil, domain.ErrAlreadyProcessed
	}
	if err := c.CanTransitionTo(to); err != nil {
		return nil, err
	}

	c.Status = to
	if reason != "" {
		c.Reason = reason
	}
	if from == domain.CallPendingApproval {
		// resolved_* фиксируют решение, а не исполнение
		c.ResolvedAt = &at
		c.ResolvedBy = &actor
	}
	return c.Clone(), nil
}

func (s *Store) ListToolCalls(_ context.Context, status domain.ToolCallStatus) ([]*domain.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ToolCall, 0)
	for _, c := range s.calls {
		if status == "" || c.Status == status {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

func (s *Store) ListInstanceToolCalls(_ context.Context, instanceID string) ([]*domain.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.ToolCall, 0)
	for _, c := range s.calls {
		if c.InstanceID == instanceID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// --- Audit ---

func (s *Store) WriteBatch(_ context.Context, events []audit.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *Store) ListEvents(_ context.Context, instanceID string, limit int) ([]audit.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]audit.AuditEvent, 0)
	for _, e := range s.events {
		if instanceID == "" || e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.Username]; exists {
		return fmt.Errorf("memory: user %s already exists", u.Username)
	}
	cp := *u
	cp.AdminOfOrgs = slices.Clone(u.AdminOfOrgs)
	s.users[u.Username] = cp
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s not found", username)
	}
	u.AdminOfOrgs = slices.Clone(u.AdminOfOrgs)
	return &u, nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.ID == id {
			u.AdminOfOrgs = slices.Clone(u.AdminOfOrgs)
			return &u, nil
		}
	}
	return nil, fmt.Errorf("user %s not found", id)
}

// --- Strict owners ---

func (s *Store) SetStrictOwner(_ context.Context, ownerID string, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.strict[ownerID] = true
	} else {
		delete(s.strict, ownerID)
	}
	return nil
}

func (s *Store) GetStrictOwners(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.strict))
	for id := range s.strict {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func cloneTemplate(t domain.AgentTemplate) domain.AgentTemplate {
	t.AllowedTools = slices.Clone(t.AllowedTools)
	t.AllowedModels = slices.Clone(t.AllowedModels)
	t.AllowedSpawnTemplates = slices.Clone(t.AllowedSpawnTemplates)
	return t
}
