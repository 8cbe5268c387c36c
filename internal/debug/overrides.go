package debug

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/durable/internal/oplog"
)

// Override replaces the recorded entry at Index during a debug replay.
type Override struct {
	Index oplog.Index
	Entry oplog.Entry
}

// Overrides maps an index to its replacement entry.
type Overrides map[oplog.Index]oplog.Entry

// NewOverrides builds an override set. Overrides can only change the
// future of the session: an index at or before current is rejected.
func NewOverrides(current oplog.Index, list []Override) (Overrides, error) {
	out := make(Overrides, len(list))
	for _, o := range list {
		if o.Index <= current {
			return nil, fmt.Errorf("override at index %d: cannot override entries at or before the current index %d", o.Index, current)
		}
		if err := o.Entry.Validate(); err != nil {
			return nil, fmt.Errorf("override at index %d: %w", o.Index, err)
		}
		out[o.Index] = o.Entry
	}
	return out, nil
}

// Indices returns the overridden indices in ascending order.
func (o Overrides) Indices() []oplog.Index {
	out := make([]oplog.Index, 0, len(o))
	for idx := range o {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (o Overrides) clone() Overrides {
	if o == nil {
		return nil
	}
	c := make(Overrides, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// overrideFile is the YAML layout of an overrides file:
//
//	overrides:
//	  - index: 4
//	    entry:
//	      kind: imported-function-invoked
//	      function_name: http::get
//	      ...
//
// Entries use the same field names as the stored JSON form.
type overrideFile struct {
	Overrides []struct {
		Index uint64    `yaml:"index"`
		Entry yaml.Node `yaml:"entry"`
	} `yaml:"overrides"`
}

// LoadOverrides reads overrides from YAML.
func LoadOverrides(r io.Reader) ([]Override, error) {
	var f overrideFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse overrides: %w", err)
	}

	out := make([]Override, 0, len(f.Overrides))
	for i, raw := range f.Overrides {
		if raw.Index == 0 {
			return nil, fmt.Errorf("override %d: index is required", i)
		}
		var tree map[string]any
		if err := raw.Entry.Decode(&tree); err != nil {
			return nil, fmt.Errorf("override %d: %w", i, err)
		}
		data, err := json.Marshal(tree)
		if err != nil {
			return nil, fmt.Errorf("override %d: %w", i, err)
		}
		entry, err := oplog.DecodeEntry(data)
		if err != nil {
			return nil, fmt.Errorf("override %d: %w", i, err)
		}
		out = append(out, Override{Index: oplog.Index(raw.Index), Entry: entry})
	}
	return out, nil
}
