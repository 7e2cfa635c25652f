package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"sdn-guard/internal/client"
	"sdn-guard/internal/encoder"
	"sdn-guard/internal/model"
	"sdn-guard/internal/utils"

	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyExists = errors.New("rule already exists")
	ErrNotFound      = errors.New("rule not found")
)

type entry struct {
	rule model.PolicyRule
	seq  uint64
}

// Store keeps the declared rules of one kind, ordered by priority
// (highest first) and then by insertion order
type Store struct {
	mu      sync.RWMutex
	kind    model.RuleKind
	path    string
	rules   map[string]*entry
	ordered []*entry
	seq     uint64
	metrics *client.PrometheusMetrics
	logger  *logrus.Logger
}

// NewStore creates an empty store persisted at path
func NewStore(kind model.RuleKind, path string, metrics *client.PrometheusMetrics, logger *logrus.Logger) *Store {
	return &Store{
		kind:    kind,
		path:    path,
		rules:   make(map[string]*entry),
		metrics: metrics,
		logger:  logger,
	}
}

func (s *Store) Kind() model.RuleKind {
	return s.kind
}

func (s *Store) Path() string {
	return s.path
}

// Defaults returns the rules a store of the given kind starts with when no
// file can be loaded
func Defaults(kind model.RuleKind) []model.PolicyRule {
	if kind == model.KindSlice {
		return []model.PolicyRule{
			{
				ID:          "tenant1",
				Kind:        model.KindSlice,
				Priority:    100,
				Hosts:       []string{"10.0.1.0/24"},
				Action:      model.PolicyAllow,
				Description: "Tenant 1 network slice",
			},
			{
				ID:          "tenant2",
				Kind:        model.KindSlice,
				Priority:    90,
				Hosts:       []string{"10.0.2.0/24"},
				Action:      model.PolicyAllow,
				Description: "Tenant 2 network slice",
			},
		}
	}
	return []model.PolicyRule{
		{
			ID:          "block-telnet",
			Kind:        model.KindFirewall,
			Priority:    encoder.DefaultFirewallPriority,
			Protocol:    "tcp",
			DstPort:     23,
			Action:      model.PolicyDeny,
			Description: "Block telnet",
		},
	}
}

// normalize fills kind-specific defaults and validates the result
func (s *Store) normalize(rule model.PolicyRule) (model.PolicyRule, error) {
	rule.ID = strings.TrimSpace(rule.ID)
	rule.Kind = s.kind
	if rule.Priority == 0 {
		if s.kind == model.KindSlice {
			rule.Priority = encoder.DefaultSlicePriority
		} else {
			rule.Priority = encoder.DefaultFirewallPriority
		}
	}
	if rule.Action == "" && s.kind == model.KindSlice {
		rule.Action = model.PolicyAllow
	}
	rule.Action = model.PolicyAction(strings.ToLower(string(rule.Action)))
	if err := encoder.Validate(&rule); err != nil {
		return model.PolicyRule{}, err
	}
	return rule, nil
}

// Create adds a new rule
func (s *Store) Create(rule model.PolicyRule) (model.PolicyRule, error) {
	rule, err := s.normalize(rule)
	if err != nil {
		return model.PolicyRule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return model.PolicyRule{}, fmt.Errorf("%s %q: %w", s.kind, rule.ID, ErrAlreadyExists)
	}
	s.seq++
	s.rules[rule.ID] = &entry{rule: rule, seq: s.seq}
	s.reorderLocked()
	return rule, nil
}

// Update replaces a rule in place, keeping its insertion order
func (s *Store) Update(id string, rule model.PolicyRule) (model.PolicyRule, error) {
	rule.ID = id
	rule, err := s.normalize(rule)
	if err != nil {
		return model.PolicyRule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok {
		return model.PolicyRule{}, fmt.Errorf("%s %q: %w", s.kind, id, ErrNotFound)
	}
	existing.rule = rule
	s.reorderLocked()
	return rule, nil
}

// Delete removes a rule and returns it
func (s *Store) Delete(id string) (model.PolicyRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[id]
	if !ok {
		return model.PolicyRule{}, fmt.Errorf("%s %q: %w", s.kind, id, ErrNotFound)
	}
	delete(s.rules, id)
	s.reorderLocked()
	return existing.rule, nil
}

func (s *Store) Get(id string) (model.PolicyRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.rules[id]
	if !ok {
		return model.PolicyRule{}, false
	}
	return existing.rule, true
}

// List returns every rule in evaluation order
func (s *Store) List() []model.PolicyRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.PolicyRule, 0, len(s.ordered))
	for _, e := range s.ordered {
		result = append(result, e.rule)
	}
	return result
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// FindMatching returns the first rule, in evaluation order, whose
// predicate the packet satisfies
func (s *Store) FindMatching(p *model.Packet) (model.PolicyRule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.ordered {
		if e.rule.Matches(p) {
			return e.rule, true
		}
	}
	return model.PolicyRule{}, false
}

func (s *Store) reorderLocked() {
	s.ordered = s.ordered[:0]
	for _, e := range s.rules {
		s.ordered = append(s.ordered, e)
	}
	sort.Slice(s.ordered, func(i, j int) bool {
		if s.ordered[i].rule.Priority != s.ordered[j].rule.Priority {
			return s.ordered[i].rule.Priority > s.ordered[j].rule.Priority
		}
		return s.ordered[i].seq < s.ordered[j].seq
	})
	s.metrics.SetPolicyRules(s.kind, len(s.rules))
}

// Replace swaps the whole rule set. Invalid or duplicate entries are
// skipped and reported in the returned count.
func (s *Store) Replace(rules []model.PolicyRule) (skipped int) {
	fresh := make(map[string]*entry, len(rules))
	var seq uint64
	for _, r := range rules {
		rule, err := s.normalize(r)
		if err != nil {
			s.logger.Warnf("[Policy] Skipping invalid %s %q: %v", s.kind, r.ID, err)
			skipped++
			continue
		}
		if _, dup := fresh[rule.ID]; dup {
			s.logger.Warnf("[Policy] Skipping duplicate %s %q", s.kind, rule.ID)
			skipped++
			continue
		}
		seq++
		fresh[rule.ID] = &entry{rule: rule, seq: seq}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = fresh
	s.seq = seq
	s.reorderLocked()
	return skipped
}

// Save writes the rules to the store's file as a JSON array
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}
	if err := utils.SaveJSONFile(s.path, s.List()); err != nil {
		return fmt.Errorf("save %s rules: %w", s.kind, err)
	}
	return nil
}

// Load reads the store's file. A missing or unreadable file loads the
// defaults instead; the returned error only reports why.
func (s *Store) Load() error {
	rules, err := s.readFile()
	if err != nil {
		s.Replace(Defaults(s.kind))
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Infof("[Policy] No %s file at %s, using defaults", s.kind, s.path)
			return nil
		}
		s.logger.Warnf("[Policy] Failed to load %s rules, using defaults: %v", s.kind, err)
		return err
	}

	skipped := s.Replace(rules)
	s.logger.Infof("[Policy] Loaded %d %s rules from %s (%d skipped)", s.Len(), s.kind, s.path, skipped)
	return nil
}

// readFile accepts either a bare JSON array or an object holding the
// array under "rules" or "slices"
func (s *Store) readFile() ([]model.PolicyRule, error) {
	if s.path == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// ParseRules decodes a rule document. Entries that are not objects are
// dropped; field-level validation is left to the store.
func ParseRules(data []byte) ([]model.PolicyRule, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var doc map[string]json.RawMessage
		if objErr := json.Unmarshal(data, &doc); objErr != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
		raw, ok := doc["rules"]
		if !ok {
			raw, ok = doc["slices"]
		}
		if !ok {
			return nil, fmt.Errorf("parse rules: no rules or slices array")
		}
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("parse rules: %w", err)
		}
	}

	rules := make([]model.PolicyRule, 0, len(items))
	for _, item := range items {
		var rule model.PolicyRule
		if err := json.Unmarshal(item, &rule); err != nil {
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
