// Package sequenceanalyser is an in-memory collision detector.
// Elements sharing a key are released one at a time, in the order they were added.
package sequenceanalyser

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/dbcdk/dataio/internal/common/dataioerrors"
)

// Element is a unit of work tracked by the Analyser.
type Element[K comparable] struct {
	Identifier K
	Keys       map[string]struct{}
	// Budget units held while the element is active. Must be at least 1.
	SlotsConsumed int
}

type node[K comparable] struct {
	element      Element[K]
	dependencies map[K]struct{}
	dependants   map[K]struct{}
	active       bool
}

// Analyser tracks elements through the states
// inactive+dependent -> inactive+independent -> active -> deleted.
// All methods are safe for concurrent use.
type Analyser[K comparable] struct {
	mu    sync.Mutex
	order *list.List
	nodes map[K]*list.Element
}

func New[K comparable]() *Analyser[K] {
	return &Analyser[K]{
		order: list.New(),
		nodes: make(map[K]*list.Element),
	}
}

// Add starts tracking element. It depends on every tracked element sharing at least one key with it.
func (a *Analyser[K]) Add(element Element[K]) error {
	if element.SlotsConsumed < 1 {
		return errors.WithStack(&dataioerrors.ErrInvalidArgument{
			Name:    "SlotsConsumed",
			Value:   element.SlotsConsumed,
			Message: "an element must consume at least one slot",
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.nodes[element.Identifier]; exists {
		return errors.WithStack(&dataioerrors.ErrAlreadyExists{
			Type:  "element",
			Value: fmt.Sprintf("%v", element.Identifier),
		})
	}

	n := &node[K]{
		element:      element,
		dependencies: make(map[K]struct{}),
		dependants:   make(map[K]struct{}),
	}
	for e := a.order.Front(); e != nil; e = e.Next() {
		other := e.Value.(*node[K])
		if intersects(other.element.Keys, element.Keys) {
			n.dependencies[other.element.Identifier] = struct{}{}
			other.dependants[element.Identifier] = struct{}{}
		}
	}
	a.nodes[element.Identifier] = a.order.PushBack(n)
	return nil
}

// DeleteAndRelease stops tracking the element and releases its dependants.
// It returns the slots held by the deleted element, or 0 if the element is unknown.
func (a *Analyser[K]) DeleteAndRelease(identifier K) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.nodes[identifier]
	if !ok {
		return 0
	}
	n := e.Value.(*node[K])
	for dependant := range n.dependants {
		if d, ok := a.nodes[dependant]; ok {
			delete(d.Value.(*node[K]).dependencies, identifier)
		}
	}
	for dependency := range n.dependencies {
		if d, ok := a.nodes[dependency]; ok {
			delete(d.Value.(*node[K]).dependants, identifier)
		}
	}
	a.order.Remove(e)
	delete(a.nodes, identifier)
	return n.element.SlotsConsumed
}

// GetInactiveIndependent activates and returns inactive elements without dependencies, in insertion order.
// Selection stops before the summed SlotsConsumed would exceed maxSlots.
func (a *Analyser[K]) GetInactiveIndependent(maxSlots int) []Element[K] {
	a.mu.Lock()
	defer a.mu.Unlock()

	var selected []Element[K]
	slots := 0
	for e := a.order.Front(); e != nil; e = e.Next() {
		n := e.Value.(*node[K])
		if n.active || len(n.dependencies) > 0 {
			continue
		}
		if slots+n.element.SlotsConsumed > maxSlots {
			break
		}
		slots += n.element.SlotsConsumed
		n.active = true
		selected = append(selected, n.element)
	}
	return selected
}

// IsHead returns true if identifier is the earliest added element still tracked.
func (a *Analyser[K]) IsHead(identifier K) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	front := a.order.Front()
	if front == nil {
		return false
	}
	return front.Value.(*node[K]).element.Identifier == identifier
}

// Size returns the number of tracked elements regardless of state.
func (a *Analyser[K]) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}

// Dependencies returns the unresolved dependencies of identifier.
func (a *Analyser[K]) Dependencies(identifier K) []K {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.nodes[identifier]
	if !ok {
		return nil
	}
	deps := make([]K, 0, len(e.Value.(*node[K]).dependencies))
	for dep := range e.Value.(*node[K]).dependencies {
		deps = append(deps, dep)
	}
	return deps
}

func intersects(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}
