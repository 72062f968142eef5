package template

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/animus-labs/flowgate/internal/domain"
)

// Store holds every known template version. Reads use an immutable snapshot;
// writers copy the snapshot under a mutex and swap it in.
type Store struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	byID map[string][]domain.Template
}

type Summary struct {
	ID              string `json:"id"`
	Versions        []int  `json:"versions"`
	LatestVersion   int    `json:"latestVersion"`
	LatestPublished int    `json:"latestPublished"`
	Description     string `json:"description,omitempty"`
}

func NewStore() *Store {
	s := &Store{}
	s.snap.Store(&snapshot{byID: map[string][]domain.Template{}})
	return s
}

// Publish adds a template version. A published version is immutable: storing
// it again is a no-op when identical and ErrConflict otherwise. Drafts may be
// replaced until they are published.
func (s *Store) Publish(tpl domain.Template) error {
	if err := Validate(tpl); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.snap.Load()
	versions := cur.byID[tpl.ID]
	next := make([]domain.Template, 0, len(versions)+1)
	replaced := false
	for _, existing := range versions {
		if existing.Version != tpl.Version {
			next = append(next, existing)
			continue
		}
		if existing.Published {
			if reflect.DeepEqual(existing, tpl) {
				return nil
			}
			return fmt.Errorf("template %s: %w: published versions are immutable", tpl.Ref(), domain.ErrConflict)
		}
		next = append(next, tpl)
		replaced = true
	}
	if !replaced {
		next = append(next, tpl)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Version < next[j].Version })

	byID := make(map[string][]domain.Template, len(cur.byID)+1)
	for id, v := range cur.byID {
		byID[id] = v
	}
	byID[tpl.ID] = next
	s.snap.Store(&snapshot{byID: byID})
	return nil
}

// Get returns an exact version, published or not.
func (s *Store) Get(ctx context.Context, id string, version int) (domain.Template, error) {
	for _, tpl := range s.snap.Load().byID[id] {
		if tpl.Version == version {
			return tpl, nil
		}
	}
	return domain.Template{}, fmt.Errorf("template %s@v%d: %w", id, version, domain.ErrTemplateNotFound)
}

// Latest returns the highest published version.
func (s *Store) Latest(ctx context.Context, id string) (domain.Template, error) {
	versions := s.snap.Load().byID[id]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Published {
			return versions[i], nil
		}
	}
	return domain.Template{}, fmt.Errorf("template %s: %w", id, domain.ErrTemplateNotFound)
}

// Resolve returns the published template a run should start on; version 0
// selects the latest published version.
func (s *Store) Resolve(ctx context.Context, id string, version int) (domain.Template, error) {
	if version == 0 {
		return s.Latest(ctx, id)
	}
	tpl, err := s.Get(ctx, id, version)
	if err != nil {
		return domain.Template{}, err
	}
	if !tpl.Published {
		return domain.Template{}, fmt.Errorf("template %s is not published: %w", tpl.Ref(), domain.ErrTemplateNotFound)
	}
	return tpl, nil
}

func (s *Store) List(ctx context.Context) []Summary {
	snap := s.snap.Load()
	out := make([]Summary, 0, len(snap.byID))
	for id, versions := range snap.byID {
		sum := Summary{ID: id}
		for _, tpl := range versions {
			sum.Versions = append(sum.Versions, tpl.Version)
			sum.LatestVersion = tpl.Version
			sum.Description = tpl.Description
			if tpl.Published {
				sum.LatestPublished = tpl.Version
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir parses every .yaml/.yml file in dir and publishes it.
func (s *Store) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read template dir: %w", err)
	}

	var (
		loaded int
		errs   []error
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isYAML(name) {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		tpl, err := Parse(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		if err := s.Publish(tpl); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
