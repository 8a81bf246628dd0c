package services

// Operations are authorized against a single declarative table instead of
// per-handler role switches. Study membership is checked afterwards from the
// access descriptor.

type operation string

const (
	opQuestionnaireCreate     operation = "questionnaire.create"
	opQuestionnaireRead       operation = "questionnaire.read"
	opQuestionnaireUpdate     operation = "questionnaire.update"
	opQuestionnaireRevise     operation = "questionnaire.revise"
	opQuestionnaireDeactivate operation = "questionnaire.deactivate"
	opInstanceCreate          operation = "instance.create"
	opInstanceRead            operation = "instance.read"
	opInstanceUpdate          operation = "instance.update"
	opAnswerRead              operation = "answer.read"
	opAnswerWrite             operation = "answer.write"
	opAnswerDelete            operation = "answer.delete"
	opAnswerExport            operation = "answer.export"
	opUserCreate              operation = "user.create"
)

var allowedRoles = map[operation]map[Role]bool{
	opQuestionnaireCreate:     {RoleResearcher: true},
	opQuestionnaireRead:       {RoleResearcher: true, RoleInvestigator: true},
	opQuestionnaireUpdate:     {RoleResearcher: true},
	opQuestionnaireRevise:     {RoleResearcher: true},
	opQuestionnaireDeactivate: {RoleResearcher: true},
	opInstanceCreate:          {RoleResearcher: true},
	opInstanceRead:            {RoleProband: true, RoleResearcher: true, RoleInvestigator: true},
	opInstanceUpdate:          {RoleProband: true, RoleInvestigator: true},
	opAnswerRead:              {RoleProband: true, RoleResearcher: true, RoleInvestigator: true},
	opAnswerWrite:             {RoleProband: true, RoleInvestigator: true},
	opAnswerDelete:            {RoleProband: true, RoleInvestigator: true},
	opAnswerExport:            {RoleResearcher: true},
	opUserCreate:              {RoleAdmin: true},
}

// authorize rejects before any store access. An empty studyID skips the
// membership check for operations whose study is only known after loading.
func authorize(op operation, tok AccessToken, studyID string) error {
	if !allowedRoles[op][tok.Role] {
		return NewForbiddenError("role " + string(tok.Role) + " may not perform " + string(op))
	}
	if studyID != "" && !tok.HasStudy(studyID) {
		return NewForbiddenError("no access to study " + studyID)
	}
	return nil
}
