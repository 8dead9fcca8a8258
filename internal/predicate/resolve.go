package predicate

import (
	"strconv"
	"strings"

	"formline/internal/domain"
)

type Visibility string

const (
	Visible Visibility = "visible"
	Hidden  Visibility = "hidden"
)

// BlockState is one block instance in program order. Repeated blocks expand
// to one instance per enumerator entity.
type BlockState struct {
	Instance   string       `json:"instance"`
	Block      domain.Block `json:"block"`
	Index      int          `json:"index"`
	Repetition int          `json:"repetition"`
	Entity     string       `json:"entity,omitempty"`
	Visibility Visibility   `json:"visibility" enum:"visible,hidden"`
}

func (s BlockState) Visible() bool { return s.Visibility == Visible }

// InstanceID names a block instance: "<id>" or "<id>.<repetition>".
func InstanceID(b domain.Block, rep int) string {
	id := strconv.FormatInt(b.ID, 10)
	if b.RepeatedBy == "" {
		return id
	}
	return id + "." + strconv.Itoa(rep)
}

type States []BlockState

func (ss States) Find(instance string) (BlockState, bool) {
	for _, s := range ss {
		if s.Instance == instance {
			return s, true
		}
	}
	return BlockState{}, false
}

// ResolveVisibility walks blocks in program order. Answers to questions in
// blocks already resolved as hidden read as missing for later predicates.
func ResolveVisibility(program domain.ProgramContent, schema Schema, answers domain.AnswerSet) States {
	view := maskedAnswers{set: answers, hidden: map[domain.AnswerKey]bool{}}
	var out States
	for i, b := range program.Blocks {
		for _, inst := range expand(b, view) {
			state := BlockState{
				Instance:   InstanceID(b, inst.rep),
				Block:      b,
				Index:      i,
				Repetition: inst.rep,
				Entity:     inst.entity,
				Visibility: Visible,
			}
			if inst.parentHidden || !blockVisible(b, schema, view, inst.rep) {
				state.Visibility = Hidden
				for _, q := range b.Questions {
					view.hidden[domain.AnswerKey{Question: q.Name, Repetition: inst.rep}] = true
				}
			}
			out = append(out, state)
		}
	}
	return out
}

type instance struct {
	rep          int
	entity       string
	parentHidden bool
}

func expand(b domain.Block, view maskedAnswers) []instance {
	if b.RepeatedBy == "" {
		return []instance{{}}
	}
	parentHidden := view.hidden[domain.AnswerKey{Question: b.RepeatedBy}]
	a, ok := view.set.Get(b.RepeatedBy, 0)
	if !ok {
		return nil
	}
	var out []instance
	for _, v := range a.Values {
		name := strings.TrimSpace(v)
		if name == "" {
			continue
		}
		out = append(out, instance{rep: len(out), entity: name, parentHidden: parentHidden})
	}
	return out
}

func blockVisible(b domain.Block, schema Schema, answers Answers, rep int) bool {
	if b.Predicate == nil {
		return true
	}
	r := Evaluate(*b.Predicate, schema, answers, Scope{Enumerator: b.RepeatedBy, Repetition: rep})
	if b.Predicate.Action == domain.ActionShowIf {
		return r == True
	}
	return r != True
}

// ResolveRequired returns the non-optional questions of a visible block.
func ResolveRequired(state BlockState) []string {
	if !state.Visible() {
		return nil
	}
	var out []string
	for _, q := range state.Block.Questions {
		if !q.Optional {
			out = append(out, q.Name)
		}
	}
	return out
}

// Unanswered returns required questions of the block lacking a non-empty answer.
func Unanswered(state BlockState, answers domain.AnswerSet) []string {
	var out []string
	for _, name := range ResolveRequired(state) {
		a, ok := answers.Get(name, state.Repetition)
		if !ok || a.Empty() {
			out = append(out, name)
		}
	}
	return out
}

// HasSavedAnswer reports whether any question of the block instance has a
// stored answer record, including skipped optional ones.
func HasSavedAnswer(state BlockState, answers domain.AnswerSet) bool {
	for _, q := range state.Block.Questions {
		if _, ok := answers.Get(q.Name, state.Repetition); ok {
			return true
		}
	}
	return false
}

type maskedAnswers struct {
	set    domain.AnswerSet
	hidden map[domain.AnswerKey]bool
}

func (m maskedAnswers) Get(question string, rep int) (domain.Answer, bool) {
	if m.hidden[domain.AnswerKey{Question: question, Repetition: rep}] {
		return domain.Answer{}, false
	}
	return m.set.Get(question, rep)
}
