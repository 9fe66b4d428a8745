package settings

import (
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/medleads/clinic-scout/internal/exclusion"
)

// DefaultSuffix is appended to region queries when the operator has not
// configured one.
const DefaultSuffix = "AGAクリニック"

type fileFormat struct {
	SearchSuffix string            `yaml:"search_suffix"`
	Exclusion    exclusion.RuleSet `yaml:"exclusion"`
}

// Snapshot is an immutable view of the settings taken at run start. The
// pipeline never observes mid-run changes.
type Snapshot struct {
	SearchSuffix string
	Rules        exclusion.RuleSet
}

// Store owns the operator-managed exclusion rule set and search suffix,
// persisted as a YAML file. The pipeline only ever reads snapshots;
// mutation happens through the settings interface.
type Store struct {
	mu     sync.RWMutex
	path   string
	suffix string
	rules  exclusion.RuleSet
}

// Open loads settings from path, creating defaults when the file does
// not exist yet. A present-but-malformed file is a hard error: running
// with a silently empty blocklist would publish chain clinics.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		suffix: DefaultSuffix,
		rules:  exclusion.RuleSet{ExcludeSponsored: true},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, eris.Wrapf(err, "settings: read %s", path)
	}

	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "settings: parse %s", path)
	}
	if err := f.Exclusion.Validate(); err != nil {
		return nil, err
	}

	if f.SearchSuffix != "" {
		s.suffix = f.SearchSuffix
	}
	s.rules = f.Exclusion
	return s, nil
}

// Snapshot returns an independent copy of the current settings.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		SearchSuffix: s.suffix,
		Rules:        s.rules.Clone(),
	}
}

// SetSuffix replaces the search suffix and persists.
func (s *Store) SetSuffix(suffix string) error {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return eris.New("settings: suffix must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.suffix = suffix
	return s.saveLocked()
}

// SetRules replaces the exclusion rule set and persists.
func (s *Store) SetRules(rules exclusion.RuleSet) error {
	if err := rules.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules.Clone()
	return s.saveLocked()
}

// AddKeyword appends a chain-brand keyword if not already present.
func (s *Store) AddKeyword(keyword string) error {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return eris.New("settings: keyword must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.rules.Keywords {
		if k == keyword {
			return nil
		}
	}
	s.rules.Keywords = append(s.rules.Keywords, keyword)
	return s.saveLocked()
}

// RemoveKeyword deletes a keyword; removing an absent keyword is a no-op.
func (s *Store) RemoveKeyword(keyword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.rules.Keywords[:0]
	removed := false
	for _, k := range s.rules.Keywords {
		if k == keyword {
			removed = true
			continue
		}
		kept = append(kept, k)
	}
	s.rules.Keywords = kept
	if !removed {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(fileFormat{
		SearchSuffix: s.suffix,
		Exclusion:    s.rules,
	})
	if err != nil {
		return eris.Wrap(err, "settings: marshal")
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return eris.Wrapf(err, "settings: write %s", s.path)
	}
	zap.L().Debug("settings: saved",
		zap.String("path", s.path),
		zap.Int("keywords", len(s.rules.Keywords)),
		zap.Int("domains", len(s.rules.Domains)),
	)
	return nil
}
