package services

import "time"

type Role string

const (
	RoleProband      Role = "proband"
	RoleResearcher   Role = "researcher"
	RoleInvestigator Role = "investigator"
	RoleAdmin        Role = "admin"
)

// AccessToken is the per-request access descriptor decoded upstream.
type AccessToken struct {
	Role     Role
	Username string
	Studies  []string
}

func (t AccessToken) HasStudy(studyID string) bool {
	for _, id := range t.Studies {
		if id == studyID {
			return true
		}
	}
	return false
}

type Audience string

const (
	AudienceProbands     Audience = "for_probands"
	AudienceResearchTeam Audience = "for_research_team"
)

type AnswerType string

const (
	AnswerTypeText         AnswerType = "text"
	AnswerTypeNumber       AnswerType = "number"
	AnswerTypeDate         AnswerType = "date"
	AnswerTypeSingleSelect AnswerType = "single_select"
	AnswerTypeMultiSelect  AnswerType = "multi_select"
	AnswerTypeSample       AnswerType = "sample"
	AnswerTypeImage        AnswerType = "image"
	AnswerTypeFile         AnswerType = "file"
	AnswerTypeTimestamp    AnswerType = "timestamp"
)

// Questionnaire is one immutable structural version; (ID, Version) is the key.
type Questionnaire struct {
	ID                         int64     `json:"id"`
	Version                    int       `json:"version"`
	StudyID                    string    `json:"study_id"`
	Name                       string    `json:"name"`
	CustomName                 string    `json:"custom_name,omitempty"`
	Audience                   Audience  `json:"audience"`
	NoQuestions                int       `json:"no_questions"`
	CycleAmount                int       `json:"cycle_amount,omitempty"`
	CycleUnit                  string    `json:"cycle_unit,omitempty"`
	ActivateAfterDays          int       `json:"activate_after_days,omitempty"`
	DeactivateAfterDays        int       `json:"deactivate_after_days,omitempty"`
	NotificationTries          int       `json:"notification_tries,omitempty"`
	NotificationTitle          string    `json:"notification_title,omitempty"`
	NotificationBodyNew        string    `json:"notification_body_new,omitempty"`
	NotificationBodyInProgress string    `json:"notification_body_in_progress,omitempty"`
	Publish                    string    `json:"publish,omitempty"`
	Active                     bool      `json:"active"`
	CreatedAt                  time.Time `json:"created_at,omitempty"`
	UpdatedAt                  time.Time `json:"updated_at,omitempty"`

	Condition *Condition  `json:"condition,omitempty"`
	Questions []*Question `json:"questions,omitempty"`
}

type Question struct {
	ID                   int64  `json:"id"`
	QuestionnaireID      int64  `json:"questionnaire_id"`
	QuestionnaireVersion int    `json:"questionnaire_version"`
	Text                 string `json:"text"`
	Position             int    `json:"position"`
	Mandatory            bool   `json:"is_mandatory"`
	VariableName         string `json:"variable_name,omitempty"`

	Condition     *Condition      `json:"condition,omitempty"`
	AnswerOptions []*AnswerOption `json:"answer_options,omitempty"`
}

type AnswerOption struct {
	ID             int64      `json:"id"`
	QuestionID     int64      `json:"question_id"`
	Text           string     `json:"text,omitempty"`
	Position       int        `json:"position"`
	Type           AnswerType `json:"answer_type"`
	Values         []string   `json:"values,omitempty"`
	ValuesCode     []int      `json:"values_code,omitempty"`
	RestrictionMin *float64   `json:"restriction_min,omitempty"`
	RestrictionMax *float64   `json:"restriction_max,omitempty"`
	VariableName   string     `json:"variable_name,omitempty"`

	Condition *Condition `json:"condition,omitempty"`
}

type ConditionType string

const (
	ConditionExternal     ConditionType = "external"
	ConditionInternalLast ConditionType = "internal_last"
	ConditionInternalThis ConditionType = "internal_this"
)

// ConditionErrorNotFound marks a persisted external condition whose target
// answer option or questionnaire could not be resolved.
const ConditionErrorNotFound = "NOT_FOUND"

// ConditionTarget addresses the answer option a condition compares against,
// either by absolute id or, before ids exist, by position within the tree.
type ConditionTarget struct {
	ID              int64 `json:"id,omitempty"`
	QuestionPos     int   `json:"question_pos,omitempty"`
	AnswerOptionPos int   `json:"answer_option_pos,omitempty"`
}

// Resolved reports whether the target already carries an absolute id.
func (t ConditionTarget) Resolved() bool { return t.ID != 0 }

// Condition gates the visibility of its owner. Exactly one of the owner
// fields is set once persisted.
type Condition struct {
	ID                        int64 `json:"-"`
	OwnerQuestionnaireID      int64 `json:"-"`
	OwnerQuestionnaireVersion int   `json:"-"`
	OwnerQuestionID           int64 `json:"-"`
	OwnerAnswerOptionID       int64 `json:"-"`

	Type                       ConditionType   `json:"type"`
	Operand                    string          `json:"operand"`
	Value                      string          `json:"value"`
	Link                       string          `json:"link,omitempty"`
	Target                     ConditionTarget `json:"target"`
	TargetQuestionnaireID      int64           `json:"target_questionnaire_id,omitempty"`
	TargetQuestionnaireVersion int             `json:"target_questionnaire_version,omitempty"`
	Error                      string          `json:"error,omitempty"`
}

type InstanceStatus string

const (
	StatusActive        InstanceStatus = "active"
	StatusInProgress    InstanceStatus = "in_progress"
	StatusReleasedOnce  InstanceStatus = "released_once"
	StatusReleasedTwice InstanceStatus = "released_twice"
	StatusReleased      InstanceStatus = "released"
	StatusExpired       InstanceStatus = "expired"
	StatusInactive      InstanceStatus = "inactive"
	StatusDeleted       InstanceStatus = "deleted"
)

// QuestionnaireInstance is one dated occurrence of a questionnaire assigned
// to one participant. Name and cycle unit are snapshots taken at creation so
// later questionnaire edits do not rename historical instances.
type QuestionnaireInstance struct {
	ID                   int64          `json:"id"`
	StudyID              string         `json:"study_id"`
	QuestionnaireID      int64          `json:"questionnaire_id"`
	QuestionnaireVersion int            `json:"questionnaire_version"`
	QuestionnaireName    string         `json:"questionnaire_name"`
	Username             string         `json:"username"`
	DateOfIssue          time.Time      `json:"date_of_issue"`
	CycleOrdinal         int            `json:"cycle_ordinal"`
	CycleUnit            string         `json:"cycle_unit,omitempty"`
	Status               InstanceStatus `json:"status"`
	Progress             int            `json:"progress"`
	DateOfReleaseV1      *time.Time     `json:"date_of_release_v1,omitempty"`
	DateOfReleaseV2      *time.Time     `json:"date_of_release_v2,omitempty"`
	ReleasedBy           string         `json:"released_by,omitempty"`
	ReleaseVersion       int            `json:"release_version,omitempty"`
}

// Answer holds one value for one answer option of one instance. Versioning
// selects the release pass the value belongs to (1 or 2).
type Answer struct {
	InstanceID     int64  `json:"questionnaire_instance_id"`
	QuestionID     int64  `json:"question_id"`
	AnswerOptionID int64  `json:"answer_option_id"`
	Versioning     int    `json:"versioning"`
	Value          string `json:"value"`
}

type User struct {
	Username  string
	Role      Role
	PassHash  []byte
	Studies   []string
	CreatedAt time.Time
}

type Study struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
