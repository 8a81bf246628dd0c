package services

// TreePlan is the outcome of diffing an existing questionnaire tree against
// a proposed replacement. It is a pure value; applying it is the executor's
// job inside the transaction.
type TreePlan struct {
	QuestionInserts []*Question
	QuestionUpdates []*Question
	QuestionDeletes []*Question

	// Options of questions that survive. Options of inserted questions
	// travel with their question; options of deleted questions cascade.
	OptionInserts map[int64][]*AnswerOption // keyed by surviving question id
	OptionUpdates []*AnswerOption
	OptionDeletes []*AnswerOption

	// Old option ids whose value domain or answer type changed. Conditions
	// targeting these options compare against a meaning that no longer
	// exists and must be deleted before the update is applied.
	BreakingOptionIDs []int64
}

// CascadeTargetIDs returns every old answer option id whose dependent
// conditions must be removed: breaking updates, deleted options, and the
// options of deleted questions.
func (p TreePlan) CascadeTargetIDs() []int64 {
	ids := append([]int64{}, p.BreakingOptionIDs...)
	for _, ao := range p.OptionDeletes {
		ids = append(ids, ao.ID)
	}
	for _, q := range p.QuestionDeletes {
		for _, ao := range q.AnswerOptions {
			ids = append(ids, ao.ID)
		}
	}
	return ids
}

// Empty reports a no-op plan.
func (p TreePlan) Empty() bool {
	return len(p.QuestionInserts) == 0 && len(p.QuestionUpdates) == 0 &&
		len(p.QuestionDeletes) == 0 && len(p.OptionInserts) == 0 &&
		len(p.OptionUpdates) == 0 && len(p.OptionDeletes) == 0
}

// buildTreePlan matches old and new entities by absolute id. New entities
// without an id are inserts, old entities with no matching new id are
// deletes, everything else is compared field by field and becomes an update
// only when something changed. Old questions must carry their answer options.
func buildTreePlan(oldQuestions, newQuestions []*Question) TreePlan {
	plan := TreePlan{OptionInserts: map[int64][]*AnswerOption{}}

	oldByID := map[int64]*Question{}
	for _, q := range oldQuestions {
		oldByID[q.ID] = q
	}
	newByID := map[int64]bool{}

	for _, nq := range newQuestions {
		if nq.ID == 0 {
			plan.QuestionInserts = append(plan.QuestionInserts, nq)
			continue
		}
		newByID[nq.ID] = true
		oq, ok := oldByID[nq.ID]
		if !ok {
			// Caller sent an id the tree never had; treat as insert.
			nq.ID = 0
			plan.QuestionInserts = append(plan.QuestionInserts, nq)
			continue
		}
		if !questionEqual(oq, nq) {
			plan.QuestionUpdates = append(plan.QuestionUpdates, nq)
		}
		diffOptions(&plan, oq, nq)
	}

	for _, oq := range oldQuestions {
		if !newByID[oq.ID] {
			plan.QuestionDeletes = append(plan.QuestionDeletes, oq)
		}
	}
	return plan
}

func diffOptions(plan *TreePlan, oldQ, newQ *Question) {
	oldByID := map[int64]*AnswerOption{}
	for _, ao := range oldQ.AnswerOptions {
		oldByID[ao.ID] = ao
	}
	newByID := map[int64]bool{}

	for _, nao := range newQ.AnswerOptions {
		nao.QuestionID = newQ.ID
		if nao.ID == 0 {
			plan.OptionInserts[newQ.ID] = append(plan.OptionInserts[newQ.ID], nao)
			continue
		}
		newByID[nao.ID] = true
		oao, ok := oldByID[nao.ID]
		if !ok {
			nao.ID = 0
			plan.OptionInserts[newQ.ID] = append(plan.OptionInserts[newQ.ID], nao)
			continue
		}
		if conditionBreaking(oao, nao) {
			plan.BreakingOptionIDs = append(plan.BreakingOptionIDs, oao.ID)
		}
		if !optionEqual(oao, nao) {
			plan.OptionUpdates = append(plan.OptionUpdates, nao)
		}
	}

	for _, oao := range oldQ.AnswerOptions {
		if !newByID[oao.ID] {
			plan.OptionDeletes = append(plan.OptionDeletes, oao)
		}
	}
}

// conditionBreaking reports whether the edit invalidates conditions that
// compare against this option: its permitted values, their codes, or the
// answer type changed.
func conditionBreaking(old, updated *AnswerOption) bool {
	return old.Type != updated.Type ||
		!stringSlicesEqual(old.Values, updated.Values) ||
		!intSlicesEqual(old.ValuesCode, updated.ValuesCode)
}

func questionEqual(a, b *Question) bool {
	return a.Text == b.Text && a.Position == b.Position &&
		a.Mandatory == b.Mandatory && a.VariableName == b.VariableName
}

func optionEqual(a, b *AnswerOption) bool {
	return a.Text == b.Text && a.Position == b.Position && a.Type == b.Type &&
		a.VariableName == b.VariableName &&
		stringSlicesEqual(a.Values, b.Values) &&
		intSlicesEqual(a.ValuesCode, b.ValuesCode) &&
		floatPtrEqual(a.RestrictionMin, b.RestrictionMin) &&
		floatPtrEqual(a.RestrictionMax, b.RestrictionMax)
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intSlicesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
