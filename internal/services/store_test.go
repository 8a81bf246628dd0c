package services

import "sort"

// fakeStore is the hand-rolled in-memory store used by the service tests.
// It implements both Store and Tx; WithTx has no rollback because the tests
// only inspect state after successful transactions or assert on the error.
type fakeStore struct {
	nextID int64

	questionnaires map[fqv]*Questionnaire
	questions      map[int64]*Question
	options        map[int64]*AnswerOption
	conditions     map[int64]*Condition
	instances      map[int64]*QuestionnaireInstance
	answers        map[fak]*Answer
	users          map[string]*User
}

type fqv struct {
	id      int64
	version int
}

type fak struct {
	instanceID     int64
	answerOptionID int64
	versioning     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextID:         100,
		questionnaires: map[fqv]*Questionnaire{},
		questions:      map[int64]*Question{},
		options:        map[int64]*AnswerOption{},
		conditions:     map[int64]*Condition{},
		instances:      map[int64]*QuestionnaireInstance{},
		answers:        map[fak]*Answer{},
		users:          map[string]*User{},
	}
}

func (s *fakeStore) WithTx(fn func(tx Tx) error) error { return fn(s) }

func (s *fakeStore) next() int64 {
	s.nextID++
	return s.nextID
}

func rowQ(q *Questionnaire) *Questionnaire {
	cp := *q
	cp.Condition = nil
	cp.Questions = nil
	return &cp
}

func rowQuestion(q *Question) *Question {
	cp := *q
	cp.Condition = nil
	cp.AnswerOptions = nil
	return &cp
}

func rowOption(ao *AnswerOption) *AnswerOption {
	cp := *ao
	cp.Condition = nil
	cp.Values = append([]string(nil), ao.Values...)
	cp.ValuesCode = append([]int(nil), ao.ValuesCode...)
	return &cp
}

func rowCondition(c *Condition) *Condition {
	cp := *c
	return &cp
}

func rowInstance(inst *QuestionnaireInstance) *QuestionnaireInstance {
	cp := *inst
	return &cp
}

func (s *fakeStore) InsertQuestionnaire(q *Questionnaire) error {
	if q.ID == 0 {
		q.ID = s.next()
	}
	key := fqv{q.ID, q.Version}
	if _, exists := s.questionnaires[key]; exists {
		return NewConflictError("questionnaire version exists")
	}
	s.questionnaires[key] = rowQ(q)
	return nil
}

func (s *fakeStore) GetQuestionnaire(id int64, version int) (*Questionnaire, error) {
	q, ok := s.questionnaires[fqv{id, version}]
	if !ok {
		return nil, nil
	}
	return rowQ(q), nil
}

func (s *fakeStore) MaxQuestionnaireVersion(id int64) (int, error) {
	max := 0
	for key := range s.questionnaires {
		if key.id == id && key.version > max {
			max = key.version
		}
	}
	return max, nil
}

func (s *fakeStore) UpdateQuestionnaire(q *Questionnaire) error {
	key := fqv{q.ID, q.Version}
	if _, ok := s.questionnaires[key]; !ok {
		return NewNotFoundError("questionnaire not found")
	}
	s.questionnaires[key] = rowQ(q)
	return nil
}

func (s *fakeStore) SetQuestionnaireActive(id int64, version int, active bool) error {
	key := fqv{id, version}
	q, ok := s.questionnaires[key]
	if !ok {
		return NewNotFoundError("questionnaire not found")
	}
	cp := rowQ(q)
	cp.Active = active
	s.questionnaires[key] = cp
	return nil
}

func (s *fakeStore) ListQuestionnaires(studyID string) ([]*Questionnaire, error) {
	out := []*Questionnaire{}
	for _, q := range s.questionnaires {
		if q.StudyID == studyID {
			out = append(out, rowQ(q))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID == out[j].ID {
			return out[i].Version < out[j].Version
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *fakeStore) ListQuestions(questionnaireID int64, version int) ([]*Question, error) {
	out := []*Question{}
	for _, q := range s.questions {
		if q.QuestionnaireID == questionnaireID && q.QuestionnaireVersion == version {
			out = append(out, rowQuestion(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *fakeStore) InsertQuestion(q *Question) error {
	if q.ID == 0 {
		q.ID = s.next()
	}
	s.questions[q.ID] = rowQuestion(q)
	return nil
}

func (s *fakeStore) UpdateQuestion(q *Question) error {
	if _, ok := s.questions[q.ID]; !ok {
		return NewNotFoundError("question not found")
	}
	s.questions[q.ID] = rowQuestion(q)
	return nil
}

func (s *fakeStore) DeleteQuestion(id int64) error {
	delete(s.questions, id)
	return nil
}

func (s *fakeStore) ListAnswerOptions(questionID int64) ([]*AnswerOption, error) {
	out := []*AnswerOption{}
	for _, ao := range s.options {
		if ao.QuestionID == questionID {
			out = append(out, rowOption(ao))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *fakeStore) GetAnswerOption(id int64) (*AnswerOption, error) {
	ao, ok := s.options[id]
	if !ok {
		return nil, nil
	}
	return rowOption(ao), nil
}

func (s *fakeStore) InsertAnswerOption(ao *AnswerOption) error {
	if ao.ID == 0 {
		ao.ID = s.next()
	}
	s.options[ao.ID] = rowOption(ao)
	return nil
}

func (s *fakeStore) UpdateAnswerOption(ao *AnswerOption) error {
	if _, ok := s.options[ao.ID]; !ok {
		return NewNotFoundError("answer option not found")
	}
	s.options[ao.ID] = rowOption(ao)
	return nil
}

func (s *fakeStore) DeleteAnswerOption(id int64) error {
	delete(s.options, id)
	return nil
}

func (s *fakeStore) InsertCondition(c *Condition) error {
	if c.ID == 0 {
		c.ID = s.next()
	}
	s.conditions[c.ID] = rowCondition(c)
	return nil
}

func (s *fakeStore) GetConditionByQuestionnaire(id int64, version int) (*Condition, error) {
	for _, c := range s.conditions {
		if c.OwnerQuestionnaireID == id && c.OwnerQuestionnaireVersion == version {
			return rowCondition(c), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetConditionByQuestion(questionID int64) (*Condition, error) {
	for _, c := range s.conditions {
		if c.OwnerQuestionID == questionID {
			return rowCondition(c), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetConditionByAnswerOption(answerOptionID int64) (*Condition, error) {
	for _, c := range s.conditions {
		if c.OwnerAnswerOptionID == answerOptionID {
			return rowCondition(c), nil
		}
	}
	return nil, nil
}

func (s *fakeStore) DeleteConditionByQuestionnaire(id int64, version int) error {
	for cid, c := range s.conditions {
		if c.OwnerQuestionnaireID == id && c.OwnerQuestionnaireVersion == version {
			delete(s.conditions, cid)
		}
	}
	return nil
}

func (s *fakeStore) DeleteConditionByQuestion(questionID int64) error {
	for cid, c := range s.conditions {
		if c.OwnerQuestionID == questionID {
			delete(s.conditions, cid)
		}
	}
	return nil
}

func (s *fakeStore) DeleteConditionByAnswerOption(answerOptionID int64) error {
	for cid, c := range s.conditions {
		if c.OwnerAnswerOptionID == answerOptionID {
			delete(s.conditions, cid)
		}
	}
	return nil
}

func (s *fakeStore) DeleteConditionsTargeting(answerOptionIDs []int64) error {
	targets := map[int64]bool{}
	for _, id := range answerOptionIDs {
		targets[id] = true
	}
	for cid, c := range s.conditions {
		if targets[c.Target.ID] {
			delete(s.conditions, cid)
		}
	}
	return nil
}

func (s *fakeStore) GetInstance(id int64) (*QuestionnaireInstance, error) {
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	return rowInstance(inst), nil
}

func (s *fakeStore) InsertInstance(inst *QuestionnaireInstance) error {
	if inst.ID == 0 {
		inst.ID = s.next()
	}
	s.instances[inst.ID] = rowInstance(inst)
	return nil
}

func (s *fakeStore) UpdateInstance(inst *QuestionnaireInstance) error {
	if _, ok := s.instances[inst.ID]; !ok {
		return NewNotFoundError("instance not found")
	}
	s.instances[inst.ID] = rowInstance(inst)
	return nil
}

func (s *fakeStore) ListInstances(studyID, username string) ([]*QuestionnaireInstance, error) {
	out := []*QuestionnaireInstance{}
	for _, inst := range s.instances {
		if inst.StudyID != studyID {
			continue
		}
		if username != "" && inst.Username != username {
			continue
		}
		out = append(out, rowInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) ListInstancesForQuestionnaire(questionnaireID int64, version int) ([]*QuestionnaireInstance, error) {
	out := []*QuestionnaireInstance{}
	for _, inst := range s.instances {
		if inst.QuestionnaireID == questionnaireID && inst.QuestionnaireVersion == version {
			out = append(out, rowInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) DeleteInstances(questionnaireID int64, version int, statuses []InstanceStatus) (int, error) {
	match := map[InstanceStatus]bool{}
	for _, st := range statuses {
		match[st] = true
	}
	removed := 0
	for id, inst := range s.instances {
		if inst.QuestionnaireID == questionnaireID && inst.QuestionnaireVersion == version && match[inst.Status] {
			delete(s.instances, id)
			removed++
		}
	}
	return removed, nil
}

func (s *fakeStore) SaveAnswers(answers []*Answer) error {
	for _, a := range answers {
		cp := *a
		s.answers[fak{a.InstanceID, a.AnswerOptionID, a.Versioning}] = &cp
	}
	return nil
}

func (s *fakeStore) ListAnswers(instanceID int64, versioning int) ([]*Answer, error) {
	out := []*Answer{}
	for _, a := range s.answers {
		if a.InstanceID == instanceID && a.Versioning == versioning {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QuestionID == out[j].QuestionID {
			return out[i].AnswerOptionID < out[j].AnswerOptionID
		}
		return out[i].QuestionID < out[j].QuestionID
	})
	return out, nil
}

func (s *fakeStore) DeleteAnswer(instanceID, answerOptionID int64, versioning int) error {
	delete(s.answers, fak{instanceID, answerOptionID, versioning})
	return nil
}

func (s *fakeStore) GetUser(username string) (*User, error) {
	u, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) AddUser(u *User) error {
	cp := *u
	s.users[u.Username] = &cp
	return nil
}
