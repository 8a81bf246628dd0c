package services

// Store is the transactional persistence boundary. Every multi-step
// operation runs inside one WithTx call; the store rolls back all writes of
// fn when it returns an error.
type Store interface {
	WithTx(fn func(tx Tx) error) error
}

// Tx exposes the row-level operations available inside a transaction.
// Implementations assign ids on insert when the entity id is zero.
type Tx interface {
	// questionnaires
	InsertQuestionnaire(q *Questionnaire) error
	GetQuestionnaire(id int64, version int) (*Questionnaire, error)
	MaxQuestionnaireVersion(id int64) (int, error)
	UpdateQuestionnaire(q *Questionnaire) error
	SetQuestionnaireActive(id int64, version int, active bool) error
	ListQuestionnaires(studyID string) ([]*Questionnaire, error)

	// questions and answer options
	ListQuestions(questionnaireID int64, version int) ([]*Question, error)
	InsertQuestion(q *Question) error
	UpdateQuestion(q *Question) error
	DeleteQuestion(id int64) error
	ListAnswerOptions(questionID int64) ([]*AnswerOption, error)
	GetAnswerOption(id int64) (*AnswerOption, error)
	InsertAnswerOption(ao *AnswerOption) error
	UpdateAnswerOption(ao *AnswerOption) error
	DeleteAnswerOption(id int64) error

	// conditions
	InsertCondition(c *Condition) error
	GetConditionByQuestionnaire(id int64, version int) (*Condition, error)
	GetConditionByQuestion(questionID int64) (*Condition, error)
	GetConditionByAnswerOption(answerOptionID int64) (*Condition, error)
	DeleteConditionByQuestionnaire(id int64, version int) error
	DeleteConditionByQuestion(questionID int64) error
	DeleteConditionByAnswerOption(answerOptionID int64) error
	DeleteConditionsTargeting(answerOptionIDs []int64) error

	// instances
	GetInstance(id int64) (*QuestionnaireInstance, error)
	InsertInstance(inst *QuestionnaireInstance) error
	UpdateInstance(inst *QuestionnaireInstance) error
	ListInstances(studyID, username string) ([]*QuestionnaireInstance, error)
	ListInstancesForQuestionnaire(questionnaireID int64, version int) ([]*QuestionnaireInstance, error)
	DeleteInstances(questionnaireID int64, version int, statuses []InstanceStatus) (int, error)

	// answers
	SaveAnswers(answers []*Answer) error
	ListAnswers(instanceID int64, versioning int) ([]*Answer, error)
	DeleteAnswer(instanceID, answerOptionID int64, versioning int) error

	// accounts
	GetUser(username string) (*User, error)
	AddUser(u *User) error
}
