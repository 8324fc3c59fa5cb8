package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
)

// Decoder turns a JSON payload into a value of a registered type.
type Decoder func(data []byte) (any, error)

func decodeAs[T any](data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", TypeName[T](), err)
	}
	return v, nil
}

var events = map[string]Decoder{
	TypeName[PlayerStartedCareer](): decodeAs[PlayerStartedCareer],
	TypeName[MatchScheduled]():      decodeAs[MatchScheduled],
	TypeName[MatchStarted]():        decodeAs[MatchStarted],
	TypeName[GoalScored]():          decodeAs[GoalScored],
	TypeName[CardReceived]():        decodeAs[CardReceived],
	TypeName[MatchFinished]():       decodeAs[MatchFinished],
}

var views = map[string]Decoder{
	TypeName[MatchScore]():  decodeAs[MatchScore],
	TypeName[TeamRanking](): decodeAs[TeamRanking],
	TypeName[PlayerGoals](): decodeAs[PlayerGoals],
	TypeName[PlayerCards](): decodeAs[PlayerCards],
	TypeName[TopPlayers]():  decodeAs[TopPlayers],
}

// TypeName returns the unqualified Go type name of T, e.g. "GoalScored".
func TypeName[T any]() string {
	return reflect.TypeFor[T]().Name()
}

// UnknownTypeError is returned for a type name that is not registered.
type UnknownTypeError struct {
	Kind string // "event" or "view"
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown %s type %q", e.Kind, e.Name)
}

// EventDecoder returns the decoder for the named event type.
func EventDecoder(name string) (Decoder, error) {
	d, ok := events[name]
	if !ok {
		return nil, &UnknownTypeError{Kind: "event", Name: name}
	}
	return d, nil
}

// ViewDecoder returns the decoder for the named view type.
func ViewDecoder(name string) (Decoder, error) {
	d, ok := views[name]
	if !ok {
		return nil, &UnknownTypeError{Kind: "view", Name: name}
	}
	return d, nil
}

// IsEvent reports whether name is a registered event type.
func IsEvent(name string) bool {
	_, ok := events[name]
	return ok
}

// IsView reports whether name is a registered view type.
func IsView(name string) bool {
	_, ok := views[name]
	return ok
}

// EventTypes returns the registered event type names, sorted.
func EventTypes() []string {
	return sortedKeys(events)
}

// ViewTypes returns the registered view type names, sorted.
func ViewTypes() []string {
	return sortedKeys(views)
}

func sortedKeys(m map[string]Decoder) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
