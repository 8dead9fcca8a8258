package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("not found")

type NotFoundError struct {
	Kind    string
	Name    string
	Version string
}

func (e NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("%s %s (%s) not found", e.Kind, e.Name, e.Version)
	}
	return fmt.Sprintf("%s %s not found", e.Kind, e.Name)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

type AlreadyExistsError struct {
	Kind string
	Name string
}

func (e AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %s already has a draft", e.Kind, e.Name)
}

type ImmutableError struct {
	Kind  string
	Name  string
	State string
}

func (e ImmutableError) Error() string {
	return fmt.Sprintf("%s %s is %s and cannot be edited", e.Kind, e.Name, e.State)
}

type NoActiveVersionError struct {
	Kind string
	Name string
}

func (e NoActiveVersionError) Error() string {
	return fmt.Sprintf("%s %s has no active version", e.Kind, e.Name)
}

// ObsoleteVersionError rejects new applications on a retired version.
type ObsoleteVersionError struct {
	Kind    string
	Name    string
	Version int
}

func (e ObsoleteVersionError) Error() string {
	return fmt.Sprintf("%s %s v%d is obsolete and closed to new applications", e.Kind, e.Name, e.Version)
}

type NothingToPublishError struct {
	Missing []string
}

func (e NothingToPublishError) Error() string {
	return fmt.Sprintf("nothing to publish: no draft for %s", strings.Join(e.Missing, ", "))
}

// ValidationError carries messages keyed by question or field name.
type ValidationError struct {
	Fields map[string][]string
}

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// Add records msg for field.
func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string][]string{}
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

// Err returns nil when nothing was recorded.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return *e
}

type PredicateConfigError struct {
	Question string
	Reason   string
}

func (e PredicateConfigError) Error() string {
	if e.Question == "" {
		return "invalid predicate: " + e.Reason
	}
	return fmt.Sprintf("invalid predicate on %s: %s", e.Question, e.Reason)
}

type IncompleteApplicationError struct {
	Blocks    []string
	Questions []string
}

func (e IncompleteApplicationError) Error() string {
	return fmt.Sprintf("application incomplete: unanswered required questions %s", strings.Join(e.Questions, ", "))
}
