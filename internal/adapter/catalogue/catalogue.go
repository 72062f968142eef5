// Package catalogue builds adapter handlers from a YAML document:
//
//	adapters:
//	  - name: credit-check
//	    kind: http
//	    url: https://credit.internal/check
//	    timeout: 5s
//	    headers: {X-Caller: flowgate}
//	  - name: score
//	    kind: lua
//	    script: scripts/score.lua
//	  - name: noop
//	    kind: echo
package catalogue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/animus-labs/flowgate/internal/adapter"
	"github.com/animus-labs/flowgate/internal/adapter/httpcall"
	"github.com/animus-labs/flowgate/internal/adapter/luascript"
)

const (
	KindHTTP = "http"
	KindLua  = "lua"
	KindEcho = "echo"
)

type Entry struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"`
	URL     string            `yaml:"url,omitempty"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout string            `yaml:"timeout,omitempty"`
	Script  string            `yaml:"script,omitempty"`
	Source  string            `yaml:"source,omitempty"`
}

type Document struct {
	Adapters []Entry `yaml:"adapters"`
}

func Parse(input []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(input, &doc); err != nil {
		return Document{}, fmt.Errorf("decode adapter catalogue: %w", err)
	}
	return doc, nil
}

// Build constructs one handler per entry. Relative script paths resolve
// against baseDir.
func Build(doc Document, baseDir string) (map[string]adapter.Handler, error) {
	out := make(map[string]adapter.Handler, len(doc.Adapters))
	var errs []error
	for i, e := range doc.Adapters {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("adapters[%d]: name is required", i))
			continue
		}
		if _, dup := out[name]; dup {
			errs = append(errs, fmt.Errorf("adapters[%d]: duplicate name %q", i, name))
			continue
		}
		h, err := buildEntry(e, baseDir)
		if err != nil {
			errs = append(errs, fmt.Errorf("adapter %s: %w", name, err))
			continue
		}
		out[name] = h
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func buildEntry(e Entry, baseDir string) (adapter.Handler, error) {
	var timeout time.Duration
	if raw := strings.TrimSpace(e.Timeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		timeout = d
	}

	switch strings.ToLower(strings.TrimSpace(e.Kind)) {
	case KindHTTP:
		return httpcall.New(httpcall.Config{URL: e.URL, Method: e.Method, Headers: e.Headers, Timeout: timeout})
	case KindLua:
		source := e.Source
		if strings.TrimSpace(e.Script) != "" {
			path := e.Script
			if !filepath.IsAbs(path) {
				path = filepath.Join(baseDir, path)
			}
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read script: %w", err)
			}
			source = string(raw)
		}
		return luascript.Compile(e.Name, source)
	case KindEcho:
		return adapter.Echo, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", e.Kind)
	}
}

// LoadFile reads and builds the catalogue at path.
func LoadFile(path string) (map[string]adapter.Handler, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read adapter catalogue: %w", err)
	}
	doc, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return Build(doc, filepath.Dir(path))
}

// LoadInto builds the catalogue at path and swaps it into reg. An empty path
// leaves reg untouched.
func LoadInto(reg *adapter.Registry, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, nil
	}
	handlers, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	for _, name := range reg.Names() {
		if _, ok := handlers[name]; !ok {
			if h, ok := reg.Lookup(name); ok {
				handlers[name] = h
			}
		}
	}
	reg.Replace(handlers)
	return len(handlers), nil
}
