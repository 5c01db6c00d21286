package pap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
)

// ErrPolicyNotFound is returned when a policy ID does not exist.
var ErrPolicyNotFound = errors.New("pap: policy not found")

// ErrNameCollision is returned by Activate when another active policy
// already carries the same name.
var ErrNameCollision = errors.New("pap: an active policy with this name already exists")

// ClarityChecker judges whether a policy's natural-language text is
// unambiguous enough to activate. Implementations typically call an LLM.
// A nil checker skips the clarity gate.
type ClarityChecker interface {
	CheckClarity(ctx context.Context, nlText string) (confidence float64, issues []string, err error)
}

// Store is the abstract Policy Administration Point repository. Filesystem
// and relational implementations are provided; other backends only need to
// satisfy this interface.
type Store interface {
	Create(ctx context.Context, name, nlText string, rules *RuleSet, applicable ApplicableContext, meta Metadata) (*Policy, error)
	Update(ctx context.Context, id string, nlText string, rules *RuleSet, reason string) (newVersion string, err error)
	Activate(ctx context.Context, id string) error
	Deprecate(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Policy, error)
	GetHistory(ctx context.Context, id string) ([]*Policy, error)
	SelectApplicable(ctx context.Context, agent, resource, action string) ([]*Policy, error)
	ListActive(ctx context.Context) ([]*Policy, error)
}

// invalidationHook is called with a policy ID whenever its body, status or
// version changes, so dependents (the decision cache) can drop stale entries.
type invalidationHook func(policyID string)

// FileStore is the filesystem reference implementation: one JSON file per
// policy (policy-<id>.json) plus a history directory holding an array of
// prior versions. Writes are atomic
// (write-to-temp + rename), and a single mutex serializes writers while
// readers take an immutable snapshot (a value copy) under a read lock.
type FileStore struct {
	mu      sync.RWMutex
	dir     string
	io      fileIO
	byID    map[string]*Policy
	history map[string][]*Policy
	clarity ClarityChecker
	onInvalidate []invalidationHook
}

// fileIO abstracts the filesystem so tests can substitute an in-memory
// implementation without touching disk.
type fileIO interface {
	ReadDir(dir string) ([]string, error)
	ReadFile(path string) ([]byte, error)
	WriteFileAtomic(path string, data []byte) error
	Remove(path string) error
}

// NewFileStore constructs a FileStore rooted at dir, loading any policies
// already present on disk (policies/policy-<id>.json and
// policies/history/policy-<id>.json).
func NewFileStore(dir string, io fileIO, clarity ClarityChecker) (*FileStore, error) {
	s := &FileStore{
		dir:     dir,
		io:      io,
		byID:    make(map[string]*Policy),
		history: make(map[string][]*Policy),
		clarity: clarity,
	}
	if err := s.loadAll(); err != nil {
		return nil, fmt.Errorf("pap: load policies: %w", err)
	}
	return s, nil
}

// OnInvalidate registers a callback fired with a policy's ID whenever it is
// updated, activated or deprecated, letting the decision cache drop
// referencing entries instead of serving a decision against a stale policy.
func (s *FileStore) OnInvalidate(hook invalidationHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalidate = append(s.onInvalidate, hook)
}

func (s *FileStore) notify(id string) {
	for _, hook := range s.onInvalidate {
		hook(id)
	}
}

func (s *FileStore) loadAll() error {
	names, err := s.io.ReadDir(s.dir)
	if err != nil {
		return nil // empty store on first run is not an error
	}
	for _, name := range names {
		data, err := s.io.ReadFile(name)
		if err != nil {
			continue
		}
		p, err := decodePolicy(data)
		if err != nil {
			continue
		}
		s.byID[p.ID] = p
		if hdata, err := s.io.ReadFile(s.historyPath(p.ID)); err == nil {
			var hist []*Policy
			if json.Unmarshal(hdata, &hist) == nil {
				s.history[p.ID] = hist
			}
		}
	}
	return nil
}

func (s *FileStore) Create(_ context.Context, name, nlText string, rules *RuleSet, applicable ApplicableContext, meta Metadata) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	meta.Version = "1.0.0"
	meta.Status = StatusDraft
	meta.CreatedAt = now
	meta.LastModified = now

	p := &Policy{
		ID:         uuid.New().String(),
		Name:       name,
		NLText:     nlText,
		Rules:      rules,
		Applicable: applicable,
		Metadata:   meta,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.persist(p); err != nil {
		return nil, err
	}
	s.byID[p.ID] = p
	return p, nil
}

func (s *FileStore) Update(_ context.Context, id, nlText string, rules *RuleSet, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[id]
	if !ok {
		return "", ErrPolicyNotFound
	}

	prior := clonePolicy(p)
	s.history[id] = append(s.history[id], prior)
	if err := s.persistHistory(id); err != nil {
		return "", err
	}

	newVersion, err := bumpPatch(p.Metadata.Version)
	if err != nil {
		return "", err
	}

	if nlText != "" {
		p.NLText = nlText
	}
	if rules != nil {
		p.Rules = rules
	}
	p.Metadata.Version = newVersion
	p.Metadata.LastModified = time.Now().UTC()
	p.Metadata.LastModifiedBy = reason

	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := s.persist(p); err != nil {
		return "", err
	}
	s.notify(id)
	return newVersion, nil
}

func (s *FileStore) Activate(ctx context.Context, id string) error {
	s.mu.Lock()
	p, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return ErrPolicyNotFound
	}
	if p.Metadata.Status == StatusDeprecated {
		s.mu.Unlock()
		return fmt.Errorf("pap: policy %s is deprecated and cannot be activated", id)
	}
	for _, other := range s.byID {
		if other.ID != id && other.Name == p.Name && other.Metadata.Status == StatusActive {
			s.mu.Unlock()
			return ErrNameCollision
		}
	}
	nlText := p.NLText
	s.mu.Unlock()

	if err := p.Validate(); err != nil {
		return err
	}

	if s.clarity != nil && nlText != "" {
		confidence, issues, err := s.clarity.CheckClarity(ctx, nlText)
		if err != nil {
			return fmt.Errorf("pap: clarity check failed: %w", err)
		}
		if confidence < 0.5 {
			return fmt.Errorf("pap: policy text too ambiguous to activate (confidence %.2f): %v", confidence, issues)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p.Metadata.Status = StatusActive
	p.Metadata.LastModified = time.Now().UTC()
	if err := s.persist(p); err != nil {
		return err
	}
	s.notify(id)
	return nil
}

func (s *FileStore) Deprecate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrPolicyNotFound
	}
	p.Metadata.Status = StatusDeprecated
	p.Metadata.LastModified = time.Now().UTC()
	if err := s.persist(p); err != nil {
		return err
	}
	s.notify(id)
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(p), nil
}

func (s *FileStore) GetHistory(_ context.Context, id string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist, ok := s.history[id]
	if !ok {
		if _, exists := s.byID[id]; !exists {
			return nil, ErrPolicyNotFound
		}
		return nil, nil
	}
	out := make([]*Policy, len(hist))
	for i, p := range hist {
		out[i] = clonePolicy(p)
	}
	return out, nil
}

// SelectApplicable returns active policies whose applicable context
// intersects (agent, resource, action), ordered by descending priority
// then descending version — this order is what the PDP iterates in.
func (s *FileStore) SelectApplicable(_ context.Context, agent, resource, action string) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Policy
	for _, p := range s.byID {
		if p.Metadata.Status != StatusActive {
			continue
		}
		if !p.IsApplicable(agent, resource, action) {
			continue
		}
		out = append(out, clonePolicy(p))
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Metadata.Priority != out[j].Metadata.Priority {
			return out[i].Metadata.Priority > out[j].Metadata.Priority
		}
		vi, erri := semver.NewVersion(out[i].Metadata.Version)
		vj, errj := semver.NewVersion(out[j].Metadata.Version)
		if erri != nil || errj != nil {
			return out[i].Metadata.Version > out[j].Metadata.Version
		}
		return vi.GreaterThan(vj)
	})
	return out, nil
}

func (s *FileStore) ListActive(_ context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.byID {
		if p.Metadata.Status == StatusActive {
			out = append(out, clonePolicy(p))
		}
	}
	return out, nil
}

func bumpPatch(version string) (string, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", fmt.Errorf("pap: invalid version %q: %w", version, err)
	}
	return v.IncPatch().String(), nil
}

func clonePolicy(p *Policy) *Policy {
	cp := *p
	if p.Rules != nil {
		rules := *p.Rules
		cp.Rules = &rules
	}
	return &cp
}
