// Package matchkeys derives the collision keys of a chunk from the identifiers of its records.
// Two chunks destined for the same sink that share a key must not be processed concurrently.
package matchkeys

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Generator maps the record identifiers of a chunk to a set of match keys.
// Nil input never fails.
type Generator interface {
	GenerateKeys(recordIdentifiers []string) map[string]struct{}
}

// DefaultGenerator produces one key per distinct record identifier, optionally suffixed with the
// submitter so that identical identifiers from different submitters don't collide.
// Keys accumulate across calls on the same instance.
type DefaultGenerator struct {
	suffix string
	keys   map[string]struct{}
}

func NewDefaultGenerator() *DefaultGenerator {
	return &DefaultGenerator{keys: make(map[string]struct{})}
}

func NewDefaultGeneratorForSubmitter(submitter int) *DefaultGenerator {
	return &DefaultGenerator{
		suffix: ":" + strconv.Itoa(submitter),
		keys:   make(map[string]struct{}),
	}
}

// GenerateKeys adds the keys of recordIdentifiers to the accumulated set and returns a copy of it.
func (g *DefaultGenerator) GenerateKeys(recordIdentifiers []string) map[string]struct{} {
	for _, id := range recordIdentifiers {
		g.keys[id+g.suffix] = struct{}{}
	}
	return maps.Clone(g.keys)
}

// NoOrderGenerator disables collision detection; chunks may interleave arbitrarily.
type NoOrderGenerator struct{}

func (NoOrderGenerator) GenerateKeys(_ []string) map[string]struct{} {
	return map[string]struct{}{}
}

// SinkWideGenerator serializes every chunk of a sink behind a single key.
type SinkWideGenerator struct {
	key string
}

func NewSinkWideGenerator(sinkId int) SinkWideGenerator {
	return SinkWideGenerator{key: strconv.Itoa(sinkId)}
}

func (g SinkWideGenerator) GenerateKeys(_ []string) map[string]struct{} {
	return map[string]struct{}{g.key: {}}
}

// Policy selects the Generator used for a sink.
type Policy int

const (
	DefaultPolicy Policy = iota
	NoOrderPolicy
	SinkWidePolicy
)

var policyNames = map[Policy]string{
	DefaultPolicy:  "default",
	NoOrderPolicy:  "noorder",
	SinkWidePolicy: "sinkwide",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return "Policy(" + strconv.Itoa(int(p)) + ")"
}

func (p Policy) MarshalText() ([]byte, error) {
	if _, ok := policyNames[p]; !ok {
		return nil, errors.Errorf("unknown key policy %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText allows policies to be configured by name.
func (p *Policy) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	if name == "" {
		*p = DefaultPolicy
		return nil
	}
	for policy, policyName := range policyNames {
		if policyName == name {
			*p = policy
			return nil
		}
	}
	return errors.Errorf("unknown key policy %q; valid policies are default, noorder and sinkwide", string(text))
}

// NewGenerator returns a fresh Generator for one chunk of the given sink and submitter.
func (p Policy) NewGenerator(sinkId int, submitter int) Generator {
	switch p {
	case NoOrderPolicy:
		return NoOrderGenerator{}
	case SinkWidePolicy:
		return NewSinkWideGenerator(sinkId)
	default:
		return NewDefaultGeneratorForSubmitter(submitter)
	}
}
