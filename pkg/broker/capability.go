// Reef is a distributed job broker for AI workloads.
// Copyright (C) 2025 The Reef Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package broker

import (
	"encoding/json"
	"fmt"
)

// CapabilityKind tags the shape of a capability value.
type CapabilityKind int

const (
	KindNull CapabilityKind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Capability is a tagged variant for the schemaless capability/requirement
// bag: a scalar (string, number, bool), a list, or a map of capabilities.
// The matcher script applies the same comparison rules inside the store;
// this type exists so the broker can validate submissions and so tests can
// state the rules once in Go.
type Capability struct {
	Kind CapabilityKind
	Str  string
	Num  float64
	Bool bool
	List []Capability
	Map  CapabilityMap
}

// CapabilityMap is a named bag of capabilities or requirements.
type CapabilityMap map[string]Capability

// Str returns a string capability.
func Str(s string) Capability { return Capability{Kind: KindString, Str: s} }

// Num returns a numeric capability.
func Num(n float64) Capability { return Capability{Kind: KindNumber, Num: n} }

// Bool returns a boolean capability.
func Bool(b bool) Capability { return Capability{Kind: KindBool, Bool: b} }

// ListOf returns a list capability.
func ListOf(items ...Capability) Capability {
	return Capability{Kind: KindList, List: items}
}

// UnmarshalJSON decodes any JSON value into the tagged variant.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	dec, err := fromAny(v)
	if err != nil {
		return err
	}
	*c = dec
	return nil
}

// MarshalJSON encodes the variant back to its natural JSON shape.
func (c Capability) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toAny())
}

func fromAny(v any) (Capability, error) {
	switch t := v.(type) {
	case nil:
		return Capability{Kind: KindNull}, nil
	case string:
		return Str(t), nil
	case float64:
		return Num(t), nil
	case bool:
		return Bool(t), nil
	case []any:
		list := make([]Capability, 0, len(t))
		for _, item := range t {
			dec, err := fromAny(item)
			if err != nil {
				return Capability{}, err
			}
			list = append(list, dec)
		}
		return Capability{Kind: KindList, List: list}, nil
	case map[string]any:
		m := make(CapabilityMap, len(t))
		for k, item := range t {
			dec, err := fromAny(item)
			if err != nil {
				return Capability{}, err
			}
			m[k] = dec
		}
		return Capability{Kind: KindMap, Map: m}, nil
	default:
		return Capability{}, fmt.Errorf("capability: unsupported value %T", v)
	}
}

func (c Capability) toAny() any {
	switch c.Kind {
	case KindString:
		return c.Str
	case KindNumber:
		return c.Num
	case KindBool:
		return c.Bool
	case KindList:
		out := make([]any, 0, len(c.List))
		for _, item := range c.List {
			out = append(out, item.toAny())
		}
		return out
	case KindMap:
		out := make(map[string]any, len(c.Map))
		for k, item := range c.Map {
			out[k] = item.toAny()
		}
		return out
	default:
		return nil
	}
}

// Equal reports deep equality of two capability values.
func (c Capability) Equal(o Capability) bool {
	if c.Kind != o.Kind {
		return false
	}
	switch c.Kind {
	case KindString:
		return c.Str == o.Str
	case KindNumber:
		return c.Num == o.Num
	case KindBool:
		return c.Bool == o.Bool
	case KindList:
		if len(c.List) != len(o.List) {
			return false
		}
		for i := range c.List {
			if !c.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(c.Map) != len(o.Map) {
			return false
		}
		for k, v := range c.Map {
			ov, ok := o.Map[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (c Capability) contains(v Capability) bool {
	for _, item := range c.List {
		if item.Equal(v) {
			return true
		}
	}
	return false
}

// Satisfies reports whether a worker's value satisfies a required value:
//   - required list: the worker value must be a list containing every
//     required item (subset);
//   - worker list against a required scalar: the list must contain it;
//   - required number: the worker value must be a number ≥ required;
//   - otherwise: equality.
//
// A missing worker value never satisfies a positive requirement; callers
// handle the negative-requirement case (missing means safe) themselves.
func Satisfies(worker *Capability, required Capability) bool {
	if worker == nil || worker.Kind == KindNull {
		return false
	}
	if required.Kind == KindList {
		if worker.Kind != KindList {
			return false
		}
		for _, item := range required.List {
			if !worker.contains(item) {
				return false
			}
		}
		return true
	}
	if worker.Kind == KindList {
		return worker.contains(required)
	}
	if required.Kind == KindNumber {
		return worker.Kind == KindNumber && worker.Num >= required.Num
	}
	return worker.Equal(required)
}

// Requirements is the structured predicate a job carries: branches the
// worker must satisfy and branches it must not.
type Requirements struct {
	Positive CapabilityMap `json:"positive_requirements,omitempty"`
	Negative CapabilityMap `json:"negative_requirements,omitempty"`
}
