package api

import (
	"sort"
	"sync"

	"github.com/opencohort/cohortq/internal/services"
)

// MemoryStore is a mutex-guarded implementation of services.Store used in
// dev mode and tests. WithTx snapshots the map state up front and restores
// it when fn fails, so the rollback contract holds. Entities are cloned on
// every read and write; stored values are never aliased by callers.
type MemoryStore struct {
	mu    sync.Mutex
	state memState
}

type qvKey struct {
	id      int64
	version int
}

type answerKey struct {
	instanceID     int64
	answerOptionID int64
	versioning     int
}

type memState struct {
	nextID         int64
	questionnaires map[qvKey]*services.Questionnaire
	questions      map[int64]*services.Question
	options        map[int64]*services.AnswerOption
	conditions     map[int64]*services.Condition
	instances      map[int64]*services.QuestionnaireInstance
	answers        map[answerKey]*services.Answer
	users          map[string]*services.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memState{
		nextID:         1000,
		questionnaires: map[qvKey]*services.Questionnaire{},
		questions:      map[int64]*services.Question{},
		options:        map[int64]*services.AnswerOption{},
		conditions:     map[int64]*services.Condition{},
		instances:      map[int64]*services.QuestionnaireInstance{},
		answers:        map[answerKey]*services.Answer{},
		users:          map[string]*services.User{},
	}}
}

func (s *MemoryStore) WithTx(fn func(tx services.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.state.snapshot()
	if err := fn(&memTx{state: &s.state}); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

// snapshot copies the maps; the entity pointers inside are safe to share
// because memTx replaces entries instead of mutating them.
func (st memState) snapshot() memState {
	cp := memState{
		nextID:         st.nextID,
		questionnaires: make(map[qvKey]*services.Questionnaire, len(st.questionnaires)),
		questions:      make(map[int64]*services.Question, len(st.questions)),
		options:        make(map[int64]*services.AnswerOption, len(st.options)),
		conditions:     make(map[int64]*services.Condition, len(st.conditions)),
		instances:      make(map[int64]*services.QuestionnaireInstance, len(st.instances)),
		answers:        make(map[answerKey]*services.Answer, len(st.answers)),
		users:          make(map[string]*services.User, len(st.users)),
	}
	for k, v := range st.questionnaires {
		cp.questionnaires[k] = v
	}
	for k, v := range st.questions {
		cp.questions[k] = v
	}
	for k, v := range st.options {
		cp.options[k] = v
	}
	for k, v := range st.conditions {
		cp.conditions[k] = v
	}
	for k, v := range st.instances {
		cp.instances[k] = v
	}
	for k, v := range st.answers {
		cp.answers[k] = v
	}
	for k, v := range st.users {
		cp.users[k] = v
	}
	return cp
}

type memTx struct {
	state *memState
}

func (t *memTx) next() int64 {
	t.state.nextID++
	return t.state.nextID
}

// --- clone helpers (rows only, tree fields stripped) ---

func cloneQuestionnaireRow(q *services.Questionnaire) *services.Questionnaire {
	cp := *q
	cp.Condition = nil
	cp.Questions = nil
	return &cp
}

func cloneQuestionRow(q *services.Question) *services.Question {
	cp := *q
	cp.Condition = nil
	cp.AnswerOptions = nil
	return &cp
}

func cloneOptionRow(ao *services.AnswerOption) *services.AnswerOption {
	cp := *ao
	cp.Condition = nil
	cp.Values = append([]string(nil), ao.Values...)
	cp.ValuesCode = append([]int(nil), ao.ValuesCode...)
	if ao.RestrictionMin != nil {
		v := *ao.RestrictionMin
		cp.RestrictionMin = &v
	}
	if ao.RestrictionMax != nil {
		v := *ao.RestrictionMax
		cp.RestrictionMax = &v
	}
	return &cp
}

func cloneCondition(c *services.Condition) *services.Condition {
	cp := *c
	return &cp
}

func cloneInstance(inst *services.QuestionnaireInstance) *services.QuestionnaireInstance {
	cp := *inst
	if inst.DateOfReleaseV1 != nil {
		v := *inst.DateOfReleaseV1
		cp.DateOfReleaseV1 = &v
	}
	if inst.DateOfReleaseV2 != nil {
		v := *inst.DateOfReleaseV2
		cp.DateOfReleaseV2 = &v
	}
	return &cp
}

func cloneAnswer(a *services.Answer) *services.Answer {
	cp := *a
	return &cp
}

func cloneUser(u *services.User) *services.User {
	cp := *u
	cp.PassHash = append([]byte(nil), u.PassHash...)
	cp.Studies = append([]string(nil), u.Studies...)
	return &cp
}

// --- questionnaires ---

func (t *memTx) InsertQuestionnaire(q *services.Questionnaire) error {
	if q.ID == 0 {
		q.ID = t.next()
	}
	key := qvKey{q.ID, q.Version}
	if _, exists := t.state.questionnaires[key]; exists {
		return services.NewConflictError("questionnaire version exists")
	}
	t.state.questionnaires[key] = cloneQuestionnaireRow(q)
	return nil
}

func (t *memTx) GetQuestionnaire(id int64, version int) (*services.Questionnaire, error) {
	q, ok := t.state.questionnaires[qvKey{id, version}]
	if !ok {
		return nil, nil
	}
	return cloneQuestionnaireRow(q), nil
}

func (t *memTx) MaxQuestionnaireVersion(id int64) (int, error) {
	max := 0
	for key := range t.state.questionnaires {
		if key.id == id && key.version > max {
			max = key.version
		}
	}
	return max, nil
}

func (t *memTx) UpdateQuestionnaire(q *services.Questionnaire) error {
	key := qvKey{q.ID, q.Version}
	if _, ok := t.state.questionnaires[key]; !ok {
		return services.NewNotFoundError("questionnaire not found")
	}
	t.state.questionnaires[key] = cloneQuestionnaireRow(q)
	return nil
}

func (t *memTx) SetQuestionnaireActive(id int64, version int, active bool) error {
	key := qvKey{id, version}
	q, ok := t.state.questionnaires[key]
	if !ok {
		return services.NewNotFoundError("questionnaire not found")
	}
	cp := cloneQuestionnaireRow(q)
	cp.Active = active
	t.state.questionnaires[key] = cp
	return nil
}

func (t *memTx) ListQuestionnaires(studyID string) ([]*services.Questionnaire, error) {
	out := []*services.Questionnaire{}
	for _, q := range t.state.questionnaires {
		if q.StudyID == studyID {
			out = append(out, cloneQuestionnaireRow(q))
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

// --- questions and answer options ---

func (t *memTx) ListQuestions(questionnaireID int64, version int) ([]*services.Question, error) {
	out := []*services.Question{}
	for _, q := range t.state.questions {
		if q.QuestionnaireID == questionnaireID && q.QuestionnaireVersion == version {
			out = append(out, cloneQuestionRow(q))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (t *memTx) InsertQuestion(q *services.Question) error {
	if q.ID == 0 {
		q.ID = t.next()
	}
	t.state.questions[q.ID] = cloneQuestionRow(q)
	return nil
}

func (t *memTx) UpdateQuestion(q *services.Question) error {
	if _, ok := t.state.questions[q.ID]; !ok {
		return services.NewNotFoundError("question not found")
	}
	t.state.questions[q.ID] = cloneQuestionRow(q)
	return nil
}

func (t *memTx) DeleteQuestion(id int64) error {
	delete(t.state.questions, id)
	return nil
}

func (t *memTx) ListAnswerOptions(questionID int64) ([]*services.AnswerOption, error) {
	out := []*services.AnswerOption{}
	for _, ao := range t.state.options {
		if ao.QuestionID == questionID {
			out = append(out, cloneOptionRow(ao))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (t *memTx) GetAnswerOption(id int64) (*services.AnswerOption, error) {
	ao, ok := t.state.options[id]
	if !ok {
		return nil, nil
	}
	return cloneOptionRow(ao), nil
}

func (t *memTx) InsertAnswerOption(ao *services.AnswerOption) error {
	if ao.ID == 0 {
		ao.ID = t.next()
	}
	t.state.options[ao.ID] = cloneOptionRow(ao)
	return nil
}

func (t *memTx) UpdateAnswerOption(ao *services.AnswerOption) error {
	if _, ok := t.state.options[ao.ID]; !ok {
		return services.NewNotFoundError("answer option not found")
	}
	t.state.options[ao.ID] = cloneOptionRow(ao)
	return nil
}

func (t *memTx) DeleteAnswerOption(id int64) error {
	delete(t.state.options, id)
	return nil
}

// --- conditions ---

func (t *memTx) InsertCondition(c *services.Condition) error {
	if c.ID == 0 {
		c.ID = t.next()
	}
	t.state.conditions[c.ID] = cloneCondition(c)
	return nil
}

func (t *memTx) GetConditionByQuestionnaire(id int64, version int) (*services.Condition, error) {
	for _, c := range t.state.conditions {
		if c.OwnerQuestionnaireID == id && c.OwnerQuestionnaireVersion == version {
			return cloneCondition(c), nil
		}
	}
	return nil, nil
}

func (t *memTx) GetConditionByQuestion(questionID int64) (*services.Condition, error) {
	for _, c := range t.state.conditions {
		if c.OwnerQuestionID == questionID {
			return cloneCondition(c), nil
		}
	}
	return nil, nil
}

func (t *memTx) GetConditionByAnswerOption(answerOptionID int64) (*services.Condition, error) {
	for _, c := range t.state.conditions {
		if c.OwnerAnswerOptionID == answerOptionID {
			return cloneCondition(c), nil
		}
	}
	return nil, nil
}

func (t *memTx) DeleteConditionByQuestionnaire(id int64, version int) error {
	for cid, c := range t.state.conditions {
		if c.OwnerQuestionnaireID == id && c.OwnerQuestionnaireVersion == version {
			delete(t.state.conditions, cid)
		}
	}
	return nil
}

func (t *memTx) DeleteConditionByQuestion(questionID int64) error {
	for cid, c := range t.state.conditions {
		if c.OwnerQuestionID == questionID {
			delete(t.state.conditions, cid)
		}
	}
	return nil
}

func (t *memTx) DeleteConditionByAnswerOption(answerOptionID int64) error {
	for cid, c := range t.state.conditions {
		if c.OwnerAnswerOptionID == answerOptionID {
			delete(t.state.conditions, cid)
		}
	}
	return nil
}

func (t *memTx) DeleteConditionsTargeting(answerOptionIDs []int64) error {
	targets := map[int64]bool{}
	for _, id := range answerOptionIDs {
		targets[id] = true
	}
	for cid, c := range t.state.conditions {
		if targets[c.Target.ID] {
			delete(t.state.conditions, cid)
		}
	}
	return nil
}

// --- instances ---

func (t *memTx) GetInstance(id int64) (*services.QuestionnaireInstance, error) {
	inst, ok := t.state.instances[id]
	if !ok {
		return nil, nil
	}
	return cloneInstance(inst), nil
}

func (t *memTx) InsertInstance(inst *services.QuestionnaireInstance) error {
	if inst.ID == 0 {
		inst.ID = t.next()
	}
	t.state.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (t *memTx) UpdateInstance(inst *services.QuestionnaireInstance) error {
	if _, ok := t.state.instances[inst.ID]; !ok {
		return services.NewNotFoundError("instance not found")
	}
	t.state.instances[inst.ID] = cloneInstance(inst)
	return nil
}

func (t *memTx) ListInstances(studyID, username string) ([]*services.QuestionnaireInstance, error) {
	out := []*services.QuestionnaireInstance{}
	for _, inst := range t.state.instances {
		if inst.StudyID != studyID {
			continue
		}
		if username != "" && inst.Username != username {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) ListInstancesForQuestionnaire(questionnaireID int64, version int) ([]*services.QuestionnaireInstance, error) {
	out := []*services.QuestionnaireInstance{}
	for _, inst := range t.state.instances {
		if inst.QuestionnaireID == questionnaireID && inst.QuestionnaireVersion == version {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) DeleteInstances(questionnaireID int64, version int, statuses []services.InstanceStatus) (int, error) {
	match := map[services.InstanceStatus]bool{}
	for _, st := range statuses {
		match[st] = true
	}
	removed := 0
	for id, inst := range t.state.instances {
		if inst.QuestionnaireID == questionnaireID && inst.QuestionnaireVersion == version && match[inst.Status] {
			delete(t.state.instances, id)
			removed++
		}
	}
	return removed, nil
}

// --- answers ---

func (t *memTx) SaveAnswers(answers []*services.Answer) error {
	for _, a := range answers {
		key := answerKey{a.InstanceID, a.AnswerOptionID, a.Versioning}
		t.state.answers[key] = cloneAnswer(a)
	}
	return nil
}

func (t *memTx) ListAnswers(instanceID int64, versioning int) ([]*services.Answer, error) {
	out := []*services.Answer{}
	for _, a := range t.state.answers {
		if a.InstanceID == instanceID && a.Versioning == versioning {
			out = append(out, cloneAnswer(a))
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

func (t *memTx) DeleteAnswer(instanceID, answerOptionID int64, versioning int) error {
	delete(t.state.answers, answerKey{instanceID, answerOptionID, versioning})
	return nil
}

// --- accounts ---

func (t *memTx) GetUser(username string) (*services.User, error) {
	u, ok := t.state.users[username]
	if !ok {
		return nil, nil
	}
	return cloneUser(u), nil
}

func (t *memTx) AddUser(u *services.User) error {
	t.state.users[u.Username] = cloneUser(u)
	return nil
}
