package services

import (
	"testing"
	"time"
)

var investigatorTok = AccessToken{Role: RoleInvestigator, Username: "inv1", Studies: []string{"study-a"}}

type capturePublisher struct {
	instanceIDs []int64
	versions    []int
}

func (p *capturePublisher) PublishRelease(instanceID int64, releaseVersion int) error {
	p.instanceIDs = append(p.instanceIDs, instanceID)
	p.versions = append(p.versions, releaseVersion)
	return nil
}

func newInstService(store Store, pub ReleasePublisher) *InstanceService {
	s := NewInstanceService(store, pub)
	s.now = func() time.Time { return time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) }
	return s
}

func seedInstance(store *fakeStore, audience Audience, username string, status InstanceStatus) *QuestionnaireInstance {
	store.questionnaires[fqv{9, 1}] = &Questionnaire{
		ID: 9, Version: 1, StudyID: "study-a", Name: "Weekly Symptoms",
		Audience: audience, Active: true, CycleUnit: "week",
	}
	inst := &QuestionnaireInstance{
		ID: 77, StudyID: "study-a", QuestionnaireID: 9, QuestionnaireVersion: 1,
		QuestionnaireName: "Weekly Symptoms", Username: username, Status: status,
	}
	store.instances[inst.ID] = inst
	return inst
}

func statusPtr(s InstanceStatus) *InstanceStatus { return &s }
func intPtr(n int) *int                          { return &n }

func TestIssueInstance(t *testing.T) {
	store := newFakeStore()
	store.questionnaires[fqv{9, 1}] = &Questionnaire{
		ID: 9, Version: 1, StudyID: "study-a", Name: "Weekly Symptoms",
		Active: true, CycleUnit: "week",
	}
	svc := newInstService(store, nil)

	inst, err := svc.Issue(researcherTok, IssueRequest{
		QuestionnaireID: 9, QuestionnaireVersion: 1, Username: "part1", CycleOrdinal: 3,
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if inst.Status != StatusActive {
		t.Fatalf("status = %s, want active", inst.Status)
	}
	if inst.QuestionnaireName != "Weekly Symptoms" || inst.CycleUnit != "week" {
		t.Fatalf("snapshot fields not copied: %+v", inst)
	}
	if inst.DateOfIssue.IsZero() {
		t.Fatalf("date of issue not stamped")
	}
	if inst.ID == 0 {
		t.Fatalf("instance id not assigned")
	}
}

func TestIssueInstanceDeactivatedQuestionnaire(t *testing.T) {
	store := newFakeStore()
	store.questionnaires[fqv{9, 1}] = &Questionnaire{ID: 9, Version: 1, StudyID: "study-a", Active: false}
	svc := newInstService(store, nil)
	_, err := svc.Issue(researcherTok, IssueRequest{QuestionnaireID: 9, QuestionnaireVersion: 1, Username: "part1"})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorPreconditionFailed {
		t.Fatalf("err = %v, want precondition_failed", err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		role    Role
		from    InstanceStatus
		to      InstanceStatus
		allowed bool
	}{
		{RoleProband, StatusActive, StatusInProgress, true},
		{RoleProband, StatusActive, StatusReleasedOnce, true},
		{RoleProband, StatusInProgress, StatusReleasedOnce, true},
		{RoleProband, StatusReleasedOnce, StatusReleasedTwice, true},
		{RoleProband, StatusActive, StatusReleased, false},
		{RoleProband, StatusReleasedTwice, StatusReleasedOnce, false},
		{RoleProband, StatusReleasedOnce, StatusInProgress, false},
		{RoleInvestigator, StatusActive, StatusInProgress, true},
		{RoleInvestigator, StatusActive, StatusReleased, true},
		{RoleInvestigator, StatusInProgress, StatusReleased, true},
		{RoleInvestigator, StatusReleased, StatusReleased, true},
		{RoleInvestigator, StatusActive, StatusReleasedOnce, false},
		{RoleInvestigator, StatusReleased, StatusInProgress, false},
		{RoleResearcher, StatusActive, StatusInProgress, false},
	}
	for _, tc := range cases {
		if got := transitionAllowed(tc.role, tc.from, tc.to); got != tc.allowed {
			t.Errorf("transitionAllowed(%s, %s, %s) = %v, want %v",
				tc.role, tc.from, tc.to, got, tc.allowed)
		}
	}
}

func TestProbandReleaseStampsBothPasses(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusActive)
	pub := &capturePublisher{}
	svc := newInstService(store, pub)

	inst, err := svc.Update(probandTok, 77, InstanceUpdate{Status: statusPtr(StatusReleasedOnce)})
	if err != nil {
		t.Fatalf("Update to released_once: %v", err)
	}
	if inst.DateOfReleaseV1 == nil || inst.ReleaseVersion != 1 {
		t.Fatalf("first release not stamped: %+v", inst)
	}
	if inst.ReleasedBy != "part1" {
		t.Fatalf("released_by = %q, want part1", inst.ReleasedBy)
	}
	if len(pub.versions) != 1 || pub.versions[0] != 1 {
		t.Fatalf("publish calls = %v, want one with version 1", pub.versions)
	}

	inst, err = svc.Update(probandTok, 77, InstanceUpdate{Status: statusPtr(StatusReleasedTwice)})
	if err != nil {
		t.Fatalf("Update to released_twice: %v", err)
	}
	if inst.DateOfReleaseV2 == nil || inst.ReleaseVersion != 2 {
		t.Fatalf("second release not stamped: %+v", inst)
	}
	// The final proband release publishes no further event.
	if len(pub.versions) != 1 {
		t.Fatalf("publish calls = %v, want still one", pub.versions)
	}
}

func TestInvestigatorRereleaseStampsSecondSlot(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceResearchTeam, "part1", StatusActive)
	pub := &capturePublisher{}
	svc := newInstService(store, pub)

	inst, err := svc.Update(investigatorTok, 77, InstanceUpdate{Status: statusPtr(StatusReleased)})
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	if inst.DateOfReleaseV1 == nil || inst.ReleaseVersion != 1 {
		t.Fatalf("first release not stamped: %+v", inst)
	}

	inst, err = svc.Update(investigatorTok, 77, InstanceUpdate{Status: statusPtr(StatusReleased)})
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if inst.DateOfReleaseV2 == nil || inst.ReleaseVersion != 2 {
		t.Fatalf("second release not stamped: %+v", inst)
	}
	if len(pub.versions) != 2 || pub.versions[1] != 2 {
		t.Fatalf("publish calls = %v, want [1 2]", pub.versions)
	}
}

func TestUpdateSameStatusIsNoOp(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusActive)
	pub := &capturePublisher{}
	svc := newInstService(store, pub)

	inst, err := svc.Update(probandTok, 77, InstanceUpdate{Status: statusPtr(StatusActive)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if inst.Status != StatusActive || inst.ReleaseVersion != 0 {
		t.Fatalf("instance changed by same-status update: %+v", inst)
	}
	if len(pub.versions) != 0 {
		t.Fatalf("publish calls = %v, want none", pub.versions)
	}
}

func TestUpdateWrongTransition(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusActive)
	svc := newInstService(store, nil)

	_, err := svc.Update(probandTok, 77, InstanceUpdate{Status: statusPtr(StatusReleased)})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestUpdateProgressBounds(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusInProgress)
	svc := newInstService(store, nil)

	if _, err := svc.Update(probandTok, 77, InstanceUpdate{Progress: intPtr(40)}); err != nil {
		t.Fatalf("Update progress: %v", err)
	}
	_, err := svc.Update(probandTok, 77, InstanceUpdate{Progress: intPtr(101)})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorInvalid {
		t.Fatalf("err = %v, want invalid", err)
	}
}

func TestSaveAnswersVersioning(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusActive)
	store.options[300] = &AnswerOption{ID: 300, QuestionID: 30}
	svc := newInstService(store, nil)

	saved, err := svc.SaveAnswers(probandTok, 77, []*Answer{{AnswerOptionID: 300, Value: "good"}})
	if err != nil {
		t.Fatalf("SaveAnswers: %v", err)
	}
	if saved[0].Versioning != 1 || saved[0].QuestionID != 30 {
		t.Fatalf("answer = %+v, want versioning 1 and question 30", saved[0])
	}

	store.instances[77].Status = StatusReleasedOnce
	saved, err = svc.SaveAnswers(probandTok, 77, []*Answer{{AnswerOptionID: 300, Value: "bad"}})
	if err != nil {
		t.Fatalf("SaveAnswers after release: %v", err)
	}
	if saved[0].Versioning != 2 {
		t.Fatalf("versioning = %d, want 2 after first release", saved[0].Versioning)
	}
}

func TestSaveAnswersFinalStatus(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusReleasedTwice)
	svc := newInstService(store, nil)

	_, err := svc.SaveAnswers(probandTok, 77, []*Answer{{AnswerOptionID: 300, Value: "x"}})
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestListAnswersDefaultPass(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusReleasedOnce)
	store.answers[fak{77, 300, 1}] = &Answer{InstanceID: 77, AnswerOptionID: 300, Versioning: 1, Value: "first"}
	store.answers[fak{77, 300, 2}] = &Answer{InstanceID: 77, AnswerOptionID: 300, Versioning: 2, Value: "second"}
	svc := newInstService(store, nil)

	got, err := svc.ListAnswers(probandTok, 77, 0)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(got) != 1 || got[0].Value != "second" {
		t.Fatalf("answers = %+v, want the versioning 2 value", got)
	}

	got, err = svc.ListAnswers(probandTok, 77, 1)
	if err != nil {
		t.Fatalf("ListAnswers v1: %v", err)
	}
	if len(got) != 1 || got[0].Value != "first" {
		t.Fatalf("answers = %+v, want the versioning 1 value", got)
	}
}

func TestDeleteAnswerRefusedOnFinalInstance(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusReleasedTwice)
	svc := newInstService(store, nil)

	err := svc.DeleteAnswer(probandTok, 77, 300)
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestDeleteAnswerPicksReleasePass(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusReleasedOnce)
	store.answers[fak{77, 300, 1}] = &Answer{InstanceID: 77, AnswerOptionID: 300, Versioning: 1, Value: "keep"}
	store.answers[fak{77, 300, 2}] = &Answer{InstanceID: 77, AnswerOptionID: 300, Versioning: 2, Value: "drop"}
	svc := newInstService(store, nil)

	if err := svc.DeleteAnswer(probandTok, 77, 300); err != nil {
		t.Fatalf("DeleteAnswer: %v", err)
	}
	if _, ok := store.answers[fak{77, 300, 2}]; ok {
		t.Fatalf("versioning 2 answer not deleted")
	}
	if _, ok := store.answers[fak{77, 300, 1}]; !ok {
		t.Fatalf("versioning 1 answer deleted")
	}
}

func TestProbandCannotTouchForeignInstance(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "someone-else", StatusActive)
	svc := newInstService(store, nil)

	_, err := svc.Get(probandTok, 77)
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorForbidden {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestInvestigatorCannotTouchProbandInstance(t *testing.T) {
	store := newFakeStore()
	seedInstance(store, AudienceProbands, "part1", StatusActive)
	svc := newInstService(store, nil)

	_, err := svc.Get(investigatorTok, 77)
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorForbidden {
		t.Fatalf("err = %v, want forbidden", err)
	}
}

func TestListInstancesScopesProbandToOwn(t *testing.T) {
	store := newFakeStore()
	store.instances[1] = &QuestionnaireInstance{ID: 1, StudyID: "study-a", Username: "part1", Status: StatusActive}
	store.instances[2] = &QuestionnaireInstance{ID: 2, StudyID: "study-a", Username: "part2", Status: StatusActive}
	svc := newInstService(store, nil)

	got, err := svc.List(probandTok, "study-a")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].Username != "part1" {
		t.Fatalf("instances = %+v, want only part1's", got)
	}

	got, err = svc.List(researcherTok, "study-a")
	if err != nil {
		t.Fatalf("List as researcher: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("researcher sees %d instances, want 2", len(got))
	}
}
