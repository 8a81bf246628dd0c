package services

import (
	"strings"
	"time"
)

const defaultVariableNameDigits = 8

// QuestionnaireService owns the authoring operations: create, in-place
// update (destructive diff of the current version), revision (new immutable
// version) and deactivation. All structural writes of one request run inside
// a single store transaction.
type QuestionnaireService struct {
	store      Store
	now        func() time.Time
	nameDigits int
}

func NewQuestionnaireService(store Store) *QuestionnaireService {
	return &QuestionnaireService{
		store:      store,
		now:        func() time.Time { return time.Now().UTC() },
		nameDigits: defaultVariableNameDigits,
	}
}

func (s *QuestionnaireService) Create(tok AccessToken, q *Questionnaire) (*Questionnaire, error) {
	if q == nil {
		return nil, NewInvalidError("questionnaire required")
	}
	if err := authorize(opQuestionnaireCreate, tok, q.StudyID); err != nil {
		return nil, err
	}
	if err := validateQuestionnaire(q); err != nil {
		return nil, err
	}
	err := s.store.WithTx(func(tx Tx) error {
		if err := s.checkCustomName(tx, q); err != nil {
			return err
		}
		if err := assignVariableNames(q.Questions, true, s.nameDigits); err != nil {
			return err
		}
		q.Version = 1
		q.Active = true
		q.NoQuestions = len(q.Questions)
		q.CreatedAt = s.now()
		q.UpdatedAt = q.CreatedAt
		if err := tx.InsertQuestionnaire(q); err != nil {
			return err
		}
		return s.insertTree(tx, q, nil)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *QuestionnaireService) Get(tok AccessToken, id int64, version int) (*Questionnaire, error) {
	if err := authorize(opQuestionnaireRead, tok, ""); err != nil {
		return nil, err
	}
	var q *Questionnaire
	err := s.store.WithTx(func(tx Tx) error {
		loaded, err := loadTree(tx, id, version)
		if err != nil {
			return err
		}
		if !tok.HasStudy(loaded.StudyID) {
			return NewForbiddenError("no access to study " + loaded.StudyID)
		}
		q = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *QuestionnaireService) List(tok AccessToken, studyID string) ([]*Questionnaire, error) {
	if err := authorize(opQuestionnaireRead, tok, studyID); err != nil {
		return nil, err
	}
	var out []*Questionnaire
	err := s.store.WithTx(func(tx Tx) error {
		var err error
		out, err = tx.ListQuestionnaires(studyID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update edits the current version in place by diffing its children against
// the submitted tree. Conditions targeting options whose value domain or
// answer type changed are removed and stay removed even when the payload
// still carries them.
func (s *QuestionnaireService) Update(tok AccessToken, id int64, version int, q *Questionnaire) (*Questionnaire, error) {
	if q == nil {
		return nil, NewInvalidError("questionnaire required")
	}
	if err := authorize(opQuestionnaireUpdate, tok, ""); err != nil {
		return nil, err
	}
	if err := validateQuestionnaire(q); err != nil {
		return nil, err
	}
	err := s.store.WithTx(func(tx Tx) error {
		existing, err := tx.GetQuestionnaire(id, version)
		if err != nil {
			return err
		}
		if existing == nil {
			return NewNotFoundError("questionnaire not found")
		}
		if !tok.HasStudy(existing.StudyID) {
			return NewForbiddenError("no access to study " + existing.StudyID)
		}
		if !existing.Active {
			return NewPreconditionFailedError("questionnaire version is deactivated")
		}
		oldQuestions, err := loadQuestions(tx, id, version)
		if err != nil {
			return err
		}

		q.ID = id
		q.Version = version
		q.StudyID = existing.StudyID
		q.CreatedAt = existing.CreatedAt
		if err := s.checkCustomName(tx, q); err != nil {
			return err
		}
		if err := assignVariableNames(q.Questions, true, s.nameDigits); err != nil {
			return err
		}

		plan := buildTreePlan(oldQuestions, q.Questions)
		if err := s.applyPlan(tx, q, plan); err != nil {
			return err
		}

		q.Active = true
		q.NoQuestions = len(q.Questions)
		q.UpdatedAt = s.now()
		return tx.UpdateQuestionnaire(q)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Revise creates version currentMax+1 with entirely new question and answer
// option rows. Incoming entities may still carry prior-version ids; those are
// recorded in a forwarding map so internal conditions authored against the
// old version resolve to the new rows.
func (s *QuestionnaireService) Revise(tok AccessToken, id int64, q *Questionnaire) (*Questionnaire, error) {
	if q == nil {
		return nil, NewInvalidError("questionnaire required")
	}
	if err := authorize(opQuestionnaireRevise, tok, ""); err != nil {
		return nil, err
	}
	if err := validateQuestionnaire(q); err != nil {
		return nil, err
	}
	err := s.store.WithTx(func(tx Tx) error {
		maxVersion, err := tx.MaxQuestionnaireVersion(id)
		if err != nil {
			return err
		}
		if maxVersion == 0 {
			return NewNotFoundError("questionnaire not found")
		}
		current, err := tx.GetQuestionnaire(id, maxVersion)
		if err != nil {
			return err
		}
		if !tok.HasStudy(current.StudyID) {
			return NewForbiddenError("no access to study " + current.StudyID)
		}
		if !current.Active {
			return NewPreconditionFailedError("questionnaire version is deactivated")
		}
		oldQuestions, err := loadQuestions(tx, id, maxVersion)
		if err != nil {
			return err
		}

		q.ID = id
		q.Version = maxVersion + 1
		q.StudyID = current.StudyID
		if err := s.checkCustomName(tx, q); err != nil {
			return err
		}
		// Naming completeness carries forward: only a fully named outgoing
		// version makes unnamed fields in the new one auto-generate.
		autoName := treeFullyNamed(oldQuestions)
		if err := assignVariableNames(q.Questions, autoName, s.nameDigits); err != nil {
			return err
		}

		q.Active = true
		q.NoQuestions = len(q.Questions)
		q.CreatedAt = s.now()
		q.UpdatedAt = q.CreatedAt
		if err := tx.InsertQuestionnaire(q); err != nil {
			return err
		}
		forward := map[int64]int64{}
		return s.insertTree(tx, q, forward)
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// Deactivate deletes every instance of the version that was never answered
// (active, inactive, in_progress) and flips the active flag, as one atomic
// transaction. Released, expired and deleted instances are preserved.
func (s *QuestionnaireService) Deactivate(tok AccessToken, id int64, version int) (*Questionnaire, error) {
	if err := authorize(opQuestionnaireDeactivate, tok, ""); err != nil {
		return nil, err
	}
	var q *Questionnaire
	err := s.store.WithTx(func(tx Tx) error {
		existing, err := tx.GetQuestionnaire(id, version)
		if err != nil {
			return err
		}
		if existing == nil {
			return NewNotFoundError("questionnaire not found")
		}
		if !tok.HasStudy(existing.StudyID) {
			return NewForbiddenError("no access to study " + existing.StudyID)
		}
		discard := []InstanceStatus{StatusActive, StatusInactive, StatusInProgress}
		if _, err := tx.DeleteInstances(id, version, discard); err != nil {
			return err
		}
		if err := tx.SetQuestionnaireActive(id, version, false); err != nil {
			return err
		}
		existing.Active = false
		q = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return q, nil
}

// insertTree writes questions, then their answer options, then conditions.
// Ids assigned along the way feed the position index so conditions always
// resolve against fully identified siblings. forward collects old option id
// to new option id mappings during revision.
func (s *QuestionnaireService) insertTree(tx Tx, q *Questionnaire, forward map[int64]int64) error {
	for _, question := range q.Questions {
		question.ID = 0
		question.QuestionnaireID = q.ID
		question.QuestionnaireVersion = q.Version
		if err := tx.InsertQuestion(question); err != nil {
			return err
		}
		for _, ao := range question.AnswerOptions {
			oldID := ao.ID
			ao.ID = 0
			ao.QuestionID = question.ID
			if err := tx.InsertAnswerOption(ao); err != nil {
				return err
			}
			if forward != nil && oldID != 0 {
				forward[oldID] = ao.ID
			}
		}
	}
	idx := buildPositionIndex(q.Questions)
	return s.writeConditions(tx, q, idx, forward, nil)
}

// applyPlan executes a diff against the current version: condition cascade
// deletes first, then the answer option phase, then the question phase, and
// conditions last.
func (s *QuestionnaireService) applyPlan(tx Tx, q *Questionnaire, plan TreePlan) error {
	if cascade := plan.CascadeTargetIDs(); len(cascade) > 0 {
		if err := tx.DeleteConditionsTargeting(cascade); err != nil {
			return err
		}
	}

	// answer options
	for _, ao := range plan.OptionDeletes {
		if err := tx.DeleteConditionByAnswerOption(ao.ID); err != nil {
			return err
		}
		if err := tx.DeleteAnswerOption(ao.ID); err != nil {
			return err
		}
	}
	for _, ao := range plan.OptionUpdates {
		if err := tx.UpdateAnswerOption(ao); err != nil {
			return err
		}
	}

	// questions
	for _, oq := range plan.QuestionDeletes {
		for _, ao := range oq.AnswerOptions {
			if err := tx.DeleteConditionByAnswerOption(ao.ID); err != nil {
				return err
			}
			if err := tx.DeleteAnswerOption(ao.ID); err != nil {
				return err
			}
		}
		if err := tx.DeleteConditionByQuestion(oq.ID); err != nil {
			return err
		}
		if err := tx.DeleteQuestion(oq.ID); err != nil {
			return err
		}
	}
	for _, nq := range plan.QuestionUpdates {
		nq.QuestionnaireID = q.ID
		nq.QuestionnaireVersion = q.Version
		if err := tx.UpdateQuestion(nq); err != nil {
			return err
		}
	}
	for _, nq := range plan.QuestionInserts {
		nq.QuestionnaireID = q.ID
		nq.QuestionnaireVersion = q.Version
		if err := tx.InsertQuestion(nq); err != nil {
			return err
		}
		for _, ao := range nq.AnswerOptions {
			ao.ID = 0
			ao.QuestionID = nq.ID
			if err := tx.InsertAnswerOption(ao); err != nil {
				return err
			}
		}
	}
	for questionID, inserts := range plan.OptionInserts {
		for _, ao := range inserts {
			ao.QuestionID = questionID
			if err := tx.InsertAnswerOption(ao); err != nil {
				return err
			}
		}
	}

	// conditions: drop what the surviving tree owned, re-resolve from the
	// submitted tree, and keep condition-breaking deletions deleted.
	breaking := map[int64]bool{}
	for _, id := range plan.BreakingOptionIDs {
		breaking[id] = true
	}
	for _, question := range q.Questions {
		if question.ID != 0 {
			if err := tx.DeleteConditionByQuestion(question.ID); err != nil {
				return err
			}
		}
		for _, ao := range question.AnswerOptions {
			if ao.ID != 0 {
				if err := tx.DeleteConditionByAnswerOption(ao.ID); err != nil {
					return err
				}
			}
		}
	}
	if err := tx.DeleteConditionByQuestionnaire(q.ID, q.Version); err != nil {
		return err
	}
	idx := buildPositionIndex(q.Questions)
	return s.writeConditions(tx, q, idx, nil, breaking)
}

// writeConditions resolves and persists every condition attached to the
// tree. Internal conditions whose resolved target is in the breaking set are
// dropped rather than re-inserted.
func (s *QuestionnaireService) writeConditions(tx Tx, q *Questionnaire, idx positionIndex, forward map[int64]int64, breaking map[int64]bool) error {
	insert := func(c *Condition) error {
		if err := resolveCondition(tx, c, idx, forward); err != nil {
			return err
		}
		if c.Type != ConditionExternal && breaking[c.Target.ID] {
			return nil
		}
		// A condition echoed back from a fetched tree still carries the id
		// of the row it was read from. Always insert a fresh row.
		c.ID = 0
		return tx.InsertCondition(c)
	}

	if c := q.Condition; c != nil {
		c.OwnerQuestionnaireID = q.ID
		c.OwnerQuestionnaireVersion = q.Version
		c.OwnerQuestionID = 0
		c.OwnerAnswerOptionID = 0
		if err := insert(c); err != nil {
			return err
		}
	}
	for _, question := range q.Questions {
		if c := question.Condition; c != nil {
			c.OwnerQuestionnaireID = 0
			c.OwnerQuestionID = question.ID
			c.OwnerAnswerOptionID = 0
			if err := insert(c); err != nil {
				return err
			}
		}
		for _, ao := range question.AnswerOptions {
			if c := ao.Condition; c != nil {
				c.OwnerQuestionnaireID = 0
				c.OwnerQuestionID = 0
				c.OwnerAnswerOptionID = ao.ID
				if err := insert(c); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (s *QuestionnaireService) checkCustomName(tx Tx, q *Questionnaire) error {
	if strings.TrimSpace(q.CustomName) == "" {
		return nil
	}
	others, err := tx.ListQuestionnaires(q.StudyID)
	if err != nil {
		return err
	}
	for _, other := range others {
		if other.ID != q.ID && other.CustomName == q.CustomName {
			return NewConflictError("custom name " + q.CustomName + " already in use")
		}
	}
	return nil
}

func validateQuestionnaire(q *Questionnaire) error {
	if strings.TrimSpace(q.Name) == "" {
		return NewInvalidError("name required")
	}
	if strings.TrimSpace(q.StudyID) == "" {
		return NewInvalidError("study_id required")
	}
	switch q.Audience {
	case AudienceProbands, AudienceResearchTeam:
	case "":
		q.Audience = AudienceProbands
	default:
		return NewInvalidError("unknown audience " + string(q.Audience))
	}
	seen := map[int]bool{}
	seenQID := map[int64]bool{}
	seenAOID := map[int64]bool{}
	for _, question := range q.Questions {
		if question.Position <= 0 {
			return NewInvalidError("question position must be positive")
		}
		if seen[question.Position] {
			return NewInvalidError("duplicate question position")
		}
		seen[question.Position] = true
		if question.ID != 0 {
			if seenQID[question.ID] {
				return NewInvalidError("duplicate question id")
			}
			seenQID[question.ID] = true
		}
		seenAO := map[int]bool{}
		for _, ao := range question.AnswerOptions {
			if ao.Position <= 0 {
				return NewInvalidError("answer option position must be positive")
			}
			if seenAO[ao.Position] {
				return NewInvalidError("duplicate answer option position")
			}
			seenAO[ao.Position] = true
			if ao.ID != 0 {
				if seenAOID[ao.ID] {
					return NewInvalidError("duplicate answer option id")
				}
				seenAOID[ao.ID] = true
			}
		}
	}
	return nil
}

// loadQuestions returns the questions of one version with answer options and
// conditions attached.
func loadQuestions(tx Tx, id int64, version int) ([]*Question, error) {
	questions, err := tx.ListQuestions(id, version)
	if err != nil {
		return nil, err
	}
	for _, question := range questions {
		question.Condition, err = tx.GetConditionByQuestion(question.ID)
		if err != nil {
			return nil, err
		}
		question.AnswerOptions, err = tx.ListAnswerOptions(question.ID)
		if err != nil {
			return nil, err
		}
		for _, ao := range question.AnswerOptions {
			ao.Condition, err = tx.GetConditionByAnswerOption(ao.ID)
			if err != nil {
				return nil, err
			}
		}
	}
	return questions, nil
}

func loadTree(tx Tx, id int64, version int) (*Questionnaire, error) {
	q, err := tx.GetQuestionnaire(id, version)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, NewNotFoundError("questionnaire not found")
	}
	q.Condition, err = tx.GetConditionByQuestionnaire(id, version)
	if err != nil {
		return nil, err
	}
	q.Questions, err = loadQuestions(tx, id, version)
	if err != nil {
		return nil, err
	}
	return q, nil
}
