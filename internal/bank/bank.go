// Package bank lists questions for the admin question bank.
package bank

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"formline/internal/domain"
	"formline/internal/repo"
)

type SortKey string

const (
	SortLastModifiedDesc SortKey = "lastmodified-desc"
	SortAdminNameAsc     SortKey = "adminname-asc"
	SortAdminNameDesc    SortKey = "adminname-desc"
	SortNumProgramsAsc   SortKey = "numprograms-asc"
	SortNumProgramsDesc  SortKey = "numprograms-desc"
)

var SortKeys = []SortKey{SortLastModifiedDesc, SortAdminNameAsc, SortAdminNameDesc, SortNumProgramsAsc, SortNumProgramsDesc}

// ParseSort accepts an empty string as the default order.
func ParseSort(s string) (SortKey, error) {
	if s == "" {
		return SortLastModifiedDesc, nil
	}
	for _, k := range SortKeys {
		if string(k) == strings.ToLower(s) {
			return k, nil
		}
	}
	var ve domain.ValidationError
	ve.Add("sort", fmt.Sprintf("unknown sort key %q", s))
	return "", ve.Err()
}

type Query struct {
	Filter          string
	Sort            SortKey
	IncludeArchived bool
}

// QuestionSummary is one bank row: the latest version of a question name.
type QuestionSummary struct {
	Name              string              `json:"name"`
	Text              string              `json:"text"`
	Type              domain.QuestionType `json:"type"`
	HasDraft          bool                `json:"has_draft"`
	ActiveVersion     int                 `json:"active_version,omitempty"`
	DraftVersion      int                 `json:"draft_version,omitempty"`
	UpdatedAt         string              `json:"updated_at"`
	UsageCount        int                 `json:"usage_count"`
	MarkedForArchival bool                `json:"marked_for_archival"`
}

type Indexer struct {
	Repo repo.Repo
}

// List reads current definitions on every call.
func (ix Indexer) List(ctx context.Context, q Query) ([]QuestionSummary, error) {
	live := []domain.LifecycleState{domain.StateDraft, domain.StateActive}
	questions, err := ix.Repo.ListQuestions(ctx, repo.QuestionFilters{States: live})
	if err != nil {
		return nil, err
	}
	programs, err := ix.Repo.ListPrograms(ctx, repo.ProgramFilters{States: live})
	if err != nil {
		return nil, err
	}
	items := Filter(Summarize(questions, programs), q.Filter, q.IncludeArchived)
	if err := Sort(items, q.Sort); err != nil {
		return nil, err
	}
	return items, nil
}

// Summarize folds question versions into one row per name. Usage counts
// distinct programs whose draft or active version references the name.
func Summarize(questions []domain.QuestionDefinition, programs []domain.ProgramDefinition) []QuestionSummary {
	usage := map[string]map[string]bool{}
	for _, p := range programs {
		for _, b := range p.Blocks {
			for _, ref := range b.Questions {
				if usage[ref.Name] == nil {
					usage[ref.Name] = map[string]bool{}
				}
				usage[ref.Name][p.Name] = true
			}
		}
	}
	byName := map[string]*QuestionSummary{}
	var order []string
	for _, q := range questions {
		s, ok := byName[q.Name]
		if !ok {
			s = &QuestionSummary{Name: q.Name, UsageCount: len(usage[q.Name])}
			byName[q.Name] = s
			order = append(order, q.Name)
		}
		switch q.State {
		case domain.StateDraft:
			s.HasDraft = true
			s.DraftVersion = q.Version
			s.Text, s.Type, s.UpdatedAt = q.Text, q.Type, q.UpdatedAt
		case domain.StateActive:
			s.ActiveVersion = q.Version
			s.MarkedForArchival = q.MarkedForArchival
			if !s.HasDraft {
				s.Text, s.Type, s.UpdatedAt = q.Text, q.Type, q.UpdatedAt
			}
		}
	}
	out := make([]QuestionSummary, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

// Filter keeps rows whose text contains needle, ignoring case.
func Filter(items []QuestionSummary, needle string, includeArchived bool) []QuestionSummary {
	needle = strings.ToLower(strings.TrimSpace(needle))
	out := make([]QuestionSummary, 0, len(items))
	for _, it := range items {
		if it.MarkedForArchival && !includeArchived {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(it.Text), needle) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Sort orders items in place. Archived rows always go last; ties break on name.
func Sort(items []QuestionSummary, key SortKey) error {
	key, err := ParseSort(string(key))
	if err != nil {
		return err
	}
	var less func(a, b QuestionSummary) (bool, bool)
	switch key {
	case SortLastModifiedDesc:
		less = func(a, b QuestionSummary) (bool, bool) {
			if a.HasDraft != b.HasDraft {
				return a.HasDraft, true
			}
			if a.UpdatedAt != b.UpdatedAt {
				return a.UpdatedAt > b.UpdatedAt, true
			}
			return false, false
		}
	case SortAdminNameAsc:
		less = func(a, b QuestionSummary) (bool, bool) { return a.Name < b.Name, a.Name != b.Name }
	case SortAdminNameDesc:
		less = func(a, b QuestionSummary) (bool, bool) { return a.Name > b.Name, a.Name != b.Name }
	case SortNumProgramsAsc:
		less = func(a, b QuestionSummary) (bool, bool) { return a.UsageCount < b.UsageCount, a.UsageCount != b.UsageCount }
	case SortNumProgramsDesc:
		less = func(a, b QuestionSummary) (bool, bool) { return a.UsageCount > b.UsageCount, a.UsageCount != b.UsageCount }
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.MarkedForArchival != b.MarkedForArchival {
			return !a.MarkedForArchival
		}
		if r, decided := less(a, b); decided {
			return r
		}
		return a.Name < b.Name
	})
	return nil
}
