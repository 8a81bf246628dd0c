package services

import (
	"log"
	"time"
)

// ReleasePublisher is the outbound event sink for released instances.
// Publishing is best effort; a failure is logged, never rolled back.
type ReleasePublisher interface {
	PublishRelease(instanceID int64, releaseVersion int) error
}

// InstanceService enforces the lifecycle of questionnaire instances and the
// two-pass answer versioning attached to releases.
type InstanceService struct {
	store     Store
	publisher ReleasePublisher
	now       func() time.Time
}

func NewInstanceService(store Store, publisher ReleasePublisher) *InstanceService {
	return &InstanceService{
		store:     store,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// instanceTransitions is the full table of legal status transitions per
// actor role. Anything absent is rejected.
var instanceTransitions = map[Role]map[InstanceStatus][]InstanceStatus{
	RoleProband: {
		StatusActive:       {StatusInProgress, StatusReleasedOnce},
		StatusInProgress:   {StatusReleasedOnce},
		StatusReleasedOnce: {StatusReleasedTwice},
	},
	RoleInvestigator: {
		StatusActive:     {StatusInProgress, StatusReleased},
		StatusInProgress: {StatusReleased},
		StatusReleased:   {StatusReleased},
	},
}

func transitionAllowed(role Role, from, to InstanceStatus) bool {
	for _, next := range instanceTransitions[role][from] {
		if next == to {
			return true
		}
	}
	return false
}

// InstanceUpdate carries the mutable fields of a lifecycle request.
type InstanceUpdate struct {
	Status   *InstanceStatus `json:"status,omitempty"`
	Progress *int            `json:"progress,omitempty"`
}

// IssueRequest creates one dated occurrence of a questionnaire version for a
// participant.
type IssueRequest struct {
	QuestionnaireID      int64     `json:"questionnaire_id"`
	QuestionnaireVersion int       `json:"questionnaire_version"`
	Username             string    `json:"username"`
	DateOfIssue          time.Time `json:"date_of_issue,omitempty"`
	CycleOrdinal         int       `json:"cycle_ordinal,omitempty"`
}

// Issue creates a fresh instance in status active. Name and cycle unit are
// copied from the questionnaire version so later edits never rename the
// instance.
func (s *InstanceService) Issue(tok AccessToken, req IssueRequest) (*QuestionnaireInstance, error) {
	if req.Username == "" {
		return nil, NewInvalidError("username required")
	}
	var inst *QuestionnaireInstance
	err := s.store.WithTx(func(tx Tx) error {
		q, err := tx.GetQuestionnaire(req.QuestionnaireID, req.QuestionnaireVersion)
		if err != nil {
			return err
		}
		if q == nil {
			return NewNotFoundError("questionnaire not found")
		}
		if err := authorize(opInstanceCreate, tok, q.StudyID); err != nil {
			return err
		}
		if !q.Active {
			return NewPreconditionFailedError("questionnaire version is deactivated")
		}
		issued := req.DateOfIssue
		if issued.IsZero() {
			issued = s.now()
		}
		inst = &QuestionnaireInstance{
			StudyID:              q.StudyID,
			QuestionnaireID:      q.ID,
			QuestionnaireVersion: q.Version,
			QuestionnaireName:    q.Name,
			Username:             req.Username,
			DateOfIssue:          issued,
			CycleOrdinal:         req.CycleOrdinal,
			CycleUnit:            q.CycleUnit,
			Status:               StatusActive,
			Progress:             0,
		}
		return tx.InsertInstance(inst)
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *InstanceService) Get(tok AccessToken, id int64) (*QuestionnaireInstance, error) {
	if err := authorize(opInstanceRead, tok, ""); err != nil {
		return nil, err
	}
	var inst *QuestionnaireInstance
	err := s.store.WithTx(func(tx Tx) error {
		loaded, err := s.loadOwned(tx, tok, id)
		if err != nil {
			return err
		}
		inst = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *InstanceService) List(tok AccessToken, studyID string) ([]*QuestionnaireInstance, error) {
	if err := authorize(opInstanceRead, tok, studyID); err != nil {
		return nil, err
	}
	username := ""
	if tok.Role == RoleProband {
		username = tok.Username
	}
	var out []*QuestionnaireInstance
	err := s.store.WithTx(func(tx Tx) error {
		var err error
		out, err = tx.ListInstances(studyID, username)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update applies a lifecycle transition and/or progress change. A transition
// into released_once or released publishes a release event after the
// transaction committed.
func (s *InstanceService) Update(tok AccessToken, id int64, req InstanceUpdate) (*QuestionnaireInstance, error) {
	if err := authorize(opInstanceUpdate, tok, ""); err != nil {
		return nil, err
	}
	var inst *QuestionnaireInstance
	releaseVersion := 0
	err := s.store.WithTx(func(tx Tx) error {
		loaded, err := s.loadOwned(tx, tok, id)
		if err != nil {
			return err
		}
		// A status equal to the current one is a no-op unless the table
		// sanctions the self-transition (investigator re-release).
		if req.Status != nil &&
			(*req.Status != loaded.Status || transitionAllowed(tok.Role, loaded.Status, *req.Status)) {
			to := *req.Status
			if !transitionAllowed(tok.Role, loaded.Status, to) {
				return NewConflictError("wrong status transition from " +
					string(loaded.Status) + " to " + string(to))
			}
			now := s.now()
			switch to {
			case StatusReleasedOnce:
				loaded.DateOfReleaseV1 = &now
				loaded.ReleasedBy = tok.Username
				loaded.ReleaseVersion = 1
				releaseVersion = 1
			case StatusReleasedTwice:
				loaded.DateOfReleaseV2 = &now
				loaded.ReleasedBy = tok.Username
				loaded.ReleaseVersion = 2
			case StatusReleased:
				// Investigator track: re-releasing stamps the second slot.
				if loaded.DateOfReleaseV1 == nil {
					loaded.DateOfReleaseV1 = &now
					loaded.ReleaseVersion = 1
				} else {
					loaded.DateOfReleaseV2 = &now
					loaded.ReleaseVersion = 2
				}
				loaded.ReleasedBy = tok.Username
				releaseVersion = loaded.ReleaseVersion
			}
			loaded.Status = to
		}
		if req.Progress != nil {
			if *req.Progress < 0 || *req.Progress > 100 {
				return NewInvalidError("progress must be between 0 and 100")
			}
			loaded.Progress = *req.Progress
		}
		if err := tx.UpdateInstance(loaded); err != nil {
			return err
		}
		inst = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	if releaseVersion > 0 && s.publisher != nil {
		if perr := s.publisher.PublishRelease(id, releaseVersion); perr != nil {
			log.Printf("instance service: publish release for %d: %v", id, perr)
		}
	}
	return inst, nil
}

// answerVersionFor picks the release pass new answer writes belong to.
func answerVersionFor(status InstanceStatus) (int, error) {
	switch status {
	case StatusActive, StatusInProgress:
		return 1, nil
	case StatusReleasedOnce, StatusReleased:
		return 2, nil
	default:
		return 0, NewConflictError("cannot write answers in status " + string(status))
	}
}

// SaveAnswers stores answer values for the instance at the versioning slot
// derived from its current status.
func (s *InstanceService) SaveAnswers(tok AccessToken, instanceID int64, answers []*Answer) ([]*Answer, error) {
	if err := authorize(opAnswerWrite, tok, ""); err != nil {
		return nil, err
	}
	if len(answers) == 0 {
		return nil, NewInvalidError("answers required")
	}
	err := s.store.WithTx(func(tx Tx) error {
		inst, err := s.loadOwned(tx, tok, instanceID)
		if err != nil {
			return err
		}
		versioning, err := answerVersionFor(inst.Status)
		if err != nil {
			return err
		}
		for _, a := range answers {
			ao, err := tx.GetAnswerOption(a.AnswerOptionID)
			if err != nil {
				return err
			}
			if ao == nil {
				return NewNotFoundError("answer option not found")
			}
			a.InstanceID = instanceID
			a.QuestionID = ao.QuestionID
			a.Versioning = versioning
		}
		return tx.SaveAnswers(answers)
	})
	if err != nil {
		return nil, err
	}
	return answers, nil
}

// ListAnswers returns the answers of one release pass. A zero versioning
// selects the pass current writes would go to.
func (s *InstanceService) ListAnswers(tok AccessToken, instanceID int64, versioning int) ([]*Answer, error) {
	if err := authorize(opAnswerRead, tok, ""); err != nil {
		return nil, err
	}
	if versioning < 0 || versioning > 2 {
		return nil, NewInvalidError("versioning must be 1 or 2")
	}
	var out []*Answer
	err := s.store.WithTx(func(tx Tx) error {
		inst, err := s.loadOwned(tx, tok, instanceID)
		if err != nil {
			return err
		}
		v := versioning
		if v == 0 {
			switch inst.Status {
			case StatusReleasedOnce, StatusReleased, StatusReleasedTwice:
				v = 2
			default:
				v = 1
			}
		}
		out, err = tx.ListAnswers(instanceID, v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAnswer removes a single answer value from the pass matching the
// current status. Final and inactive instances refuse the deletion.
func (s *InstanceService) DeleteAnswer(tok AccessToken, instanceID, answerOptionID int64) error {
	if err := authorize(opAnswerDelete, tok, ""); err != nil {
		return err
	}
	return s.store.WithTx(func(tx Tx) error {
		inst, err := s.loadOwned(tx, tok, instanceID)
		if err != nil {
			return err
		}
		switch inst.Status {
		case StatusReleasedTwice, StatusInactive:
			return NewConflictError("cannot delete answers in status " + string(inst.Status))
		}
		versioning := 1
		if inst.Status == StatusReleasedOnce || inst.Status == StatusReleased {
			versioning = 2
		}
		return tx.DeleteAnswer(instanceID, answerOptionID, versioning)
	})
}

// loadOwned fetches the instance and enforces study membership plus
// role-appropriate ownership: probands only see their own proband-audience
// instances, investigators only research-team-audience ones.
func (s *InstanceService) loadOwned(tx Tx, tok AccessToken, id int64) (*QuestionnaireInstance, error) {
	inst, err := tx.GetInstance(id)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, NewNotFoundError("questionnaire instance not found")
	}
	if !tok.HasStudy(inst.StudyID) {
		return nil, NewForbiddenError("no access to study " + inst.StudyID)
	}
	q, err := tx.GetQuestionnaire(inst.QuestionnaireID, inst.QuestionnaireVersion)
	if err != nil {
		return nil, err
	}
	audience := AudienceProbands
	if q != nil {
		audience = q.Audience
	}
	switch tok.Role {
	case RoleProband:
		if inst.Username != tok.Username || audience != AudienceProbands {
			return nil, NewForbiddenError("instance does not belong to user")
		}
	case RoleInvestigator:
		if audience != AudienceResearchTeam {
			return nil, NewForbiddenError("instance is not addressed to the research team")
		}
	}
	return inst, nil
}
