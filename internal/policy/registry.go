package policy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrRuleSetNotFound = errors.New("rule set not found")
	ErrRuleSetExists   = errors.New("rule set version already published")
)

// Registry keeps every published rule set version. Templates reference a rule
// set by id and always evaluate the latest version, so compliance changes take
// effect without republishing templates.
type Registry struct {
	mu   sync.Mutex
	sets atomic.Pointer[map[string][]RuleSet]
}

type Summary struct {
	ID       string `json:"id"`
	Versions []int  `json:"versions"`
	Latest   int    `json:"latest"`
}

func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string][]RuleSet{}
	r.sets.Store(&empty)
	return r
}

func (r *Registry) Publish(rs RuleSet) error {
	if err := rs.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := *r.sets.Load()
	for _, existing := range cur[rs.ID] {
		if existing.Version == rs.Version {
			if reflect.DeepEqual(existing, rs) {
				return nil
			}
			return fmt.Errorf("%s: %w", rs.Ref(), ErrRuleSetExists)
		}
	}

	next := make(map[string][]RuleSet, len(cur)+1)
	for id, versions := range cur {
		next[id] = versions
	}
	versions := append(append([]RuleSet(nil), cur[rs.ID]...), rs)
	sort.Slice(versions, func(i, j int) bool { return versions[i].Version < versions[j].Version })
	next[rs.ID] = versions
	r.sets.Store(&next)
	return nil
}

func (r *Registry) Latest(id string) (RuleSet, error) {
	versions := (*r.sets.Load())[id]
	if len(versions) == 0 {
		return RuleSet{}, fmt.Errorf("%s: %w", id, ErrRuleSetNotFound)
	}
	return versions[len(versions)-1], nil
}

func (r *Registry) Get(id string, version int) (RuleSet, error) {
	for _, rs := range (*r.sets.Load())[id] {
		if rs.Version == version {
			return rs, nil
		}
	}
	return RuleSet{}, fmt.Errorf("%s@v%d: %w", id, version, ErrRuleSetNotFound)
}

func (r *Registry) List() []Summary {
	sets := *r.sets.Load()
	out := make([]Summary, 0, len(sets))
	for id, versions := range sets {
		sum := Summary{ID: id}
		for _, rs := range versions {
			sum.Versions = append(sum.Versions, rs.Version)
			sum.Latest = rs.Version
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir publishes every .yaml/.yml rule set document in dir.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read policy dir: %w", err)
	}
	var (
		loaded int
		errs   []error
	)
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		rs, err := ParseRuleSet(data)
		if err == nil {
			err = r.Publish(rs)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}
