package alert

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"sdn-guard/internal/model"
	"sdn-guard/internal/utils"

	"github.com/sirupsen/logrus"
)

const DefaultMaxAlerts = 1000

// Store keeps a bounded alert history per category and fans new alerts out
// to live subscribers
type Store struct {
	mu        sync.RWMutex
	alerts    map[string][]model.Alert
	maxAlerts int
	logger    *logrus.Logger

	subsMu sync.RWMutex
	subs   map[*Subscriber]bool
}

// Subscriber receives alerts matching its filter. Sends never block; a
// full channel drops the alert for that subscriber.
type Subscriber struct {
	ID      string
	Channel chan model.Alert
	Filter  Filter
}

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	Category string
	Severity string
	Type     string
}

func (f Filter) matches(alert model.Alert) bool {
	if f.Category != "" && alert.Category != f.Category {
		return false
	}
	if f.Severity != "" && alert.Severity != f.Severity {
		return false
	}
	if f.Type != "" && alert.Type != f.Type {
		return false
	}
	return true
}

func NewStore(maxAlerts int, logger *logrus.Logger) *Store {
	if maxAlerts <= 0 {
		maxAlerts = DefaultMaxAlerts
	}
	return &Store{
		alerts:    make(map[string][]model.Alert),
		maxAlerts: maxAlerts,
		logger:    logger,
		subs:      make(map[*Subscriber]bool),
	}
}

// SendAlert implements Notifier
func (s *Store) SendAlert(alert model.Alert) error {
	s.Add(alert)
	return nil
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	s.appendLocked(alert)
	s.mu.Unlock()

	s.notifySubscribers(alert)
}

func (s *Store) appendLocked(alert model.Alert) {
	history := append(s.alerts[alert.Category], alert)
	if len(history) > s.maxAlerts {
		history = append([]model.Alert(nil), history[len(history)-s.maxAlerts:]...)
	}
	s.alerts[alert.Category] = history
}

// Alerts returns the most recent limit alerts of a category, oldest first.
// A limit of zero or less returns the whole history.
func (s *Store) Alerts(category string, limit int) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.alerts[category]
	start := 0
	if limit > 0 && limit < len(history) {
		start = len(history) - limit
	}
	return append([]model.Alert(nil), history[start:]...)
}

func (s *Store) Count(category string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts[category])
}

// Save writes the history of one category as a JSON array
func (s *Store) Save(category, path string) error {
	alerts := s.Alerts(category, 0)
	if err := utils.SaveJSONFile(path, alerts); err != nil {
		return err
	}
	s.logger.Infof("[Alerts] Saved %d %s alerts to %s", len(alerts), category, path)
	return nil
}

// Load replaces the history of one category from a JSON array. A missing
// file is not an error. Alerts of another category in the file are skipped.
func (s *Store) Load(category, path string) error {
	var alerts []model.Alert
	if err := utils.LoadJSONFile(path, &alerts); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s alerts: %w", category, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[category] = nil
	for _, a := range alerts {
		if a.Category == "" {
			a.Category = category
		}
		if a.Category != category {
			continue
		}
		s.appendLocked(a)
	}
	s.logger.Infof("[Alerts] Loaded %d %s alerts from %s", len(s.alerts[category]), category, path)
	return nil
}

// Subscriber methods
func (s *Store) Subscribe(sub *Subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs[sub] = true
}

func (s *Store) Unsubscribe(sub *Subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	if s.subs[sub] {
		delete(s.subs, sub)
		close(sub.Channel)
	}
}

func (s *Store) Subscribers() int {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()
	return len(s.subs)
}

func (s *Store) notifySubscribers(alert model.Alert) {
	s.subsMu.RLock()
	defer s.subsMu.RUnlock()

	for sub := range s.subs {
		if !sub.Filter.matches(alert) {
			continue
		}
		select {
		case sub.Channel <- alert:
		default:
			s.logger.Debugf("[Alerts] Subscriber %s is full, dropping alert %s", sub.ID, alert.ID)
		}
	}
}
