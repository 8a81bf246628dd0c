package services

import "fmt"

// positionIndex maps (question position, answer option position) to the
// absolute answer option id assigned during the current write phase.
type positionIndex map[[2]int]int64

func buildPositionIndex(questions []*Question) positionIndex {
	idx := positionIndex{}
	for _, q := range questions {
		for _, ao := range q.AnswerOptions {
			idx[[2]int{q.Position, ao.Position}] = ao.ID
		}
	}
	return idx
}

// resolveCondition rewrites the target of c to an absolute answer option id.
//
// External conditions degrade to a persisted NOT_FOUND marker when the target
// option is missing or the target questionnaire version is not active; the
// authoring operation continues. Internal conditions addressing a position
// with no sibling are a hard error that aborts the whole transaction.
// Absolute internal targets are rewritten through forward, the old-id to
// new-id map built while re-inserting a revised tree.
func resolveCondition(tx Tx, c *Condition, idx positionIndex, forward map[int64]int64) error {
	switch c.Type {
	case ConditionExternal:
		target, err := tx.GetQuestionnaire(c.TargetQuestionnaireID, c.TargetQuestionnaireVersion)
		if err != nil {
			return err
		}
		var ao *AnswerOption
		if c.Target.Resolved() {
			ao, err = tx.GetAnswerOption(c.Target.ID)
			if err != nil {
				return err
			}
		}
		if target == nil || !target.Active || ao == nil {
			c.Error = ConditionErrorNotFound
		}
		return nil
	case ConditionInternalThis, ConditionInternalLast:
		if !c.Target.Resolved() {
			id, ok := idx[[2]int{c.Target.QuestionPos, c.Target.AnswerOptionPos}]
			if !ok {
				return NewInvalidError(fmt.Sprintf(
					"condition target position (%d,%d) does not exist in questionnaire",
					c.Target.QuestionPos, c.Target.AnswerOptionPos))
			}
			c.Target.ID = id
			c.Target.QuestionPos = 0
			c.Target.AnswerOptionPos = 0
			return nil
		}
		if newID, ok := forward[c.Target.ID]; ok {
			c.Target.ID = newID
		}
		return nil
	default:
		return NewInvalidError("unknown condition type " + string(c.Type))
	}
}
