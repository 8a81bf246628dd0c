package services

import (
	"bytes"
	"encoding/csv"
	"sort"
	"strconv"
	"time"
)

// AnswerRow is one exported answer value in long format.
type AnswerRow struct {
	InstanceID        int64
	Participant       string
	QuestionnaireName string
	QuestionVariable  string
	OptionVariable    string
	Value             string
	Versioning        int
	ReleasedAt        string // RFC3339; empty when never released
}

// ExportAnswersCSV renders rows into a long-format CSV.
func ExportAnswersCSV(rows []AnswerRow) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{
		"instance_id", "participant", "questionnaire", "question_variable",
		"answer_option_variable", "value", "versioning", "released_at",
	})
	for _, r := range rows {
		rec := []string{
			strconv.FormatInt(r.InstanceID, 10),
			r.Participant,
			r.QuestionnaireName,
			r.QuestionVariable,
			r.OptionVariable,
			r.Value,
			strconv.Itoa(r.Versioning),
			r.ReleasedAt,
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// ExportService assembles released answers of a questionnaire for download
// by the research team.
type ExportService struct {
	store Store
}

func NewExportService(store Store) *ExportService {
	return &ExportService{store: store}
}

var releasedStatuses = map[InstanceStatus]bool{
	StatusReleasedOnce:  true,
	StatusReleasedTwice: true,
	StatusReleased:      true,
}

// ExportAnswers collects both release passes of every released instance of
// the questionnaire version, ordered by instance then versioning.
func (s *ExportService) ExportAnswers(tok AccessToken, questionnaireID int64, version int) ([]byte, error) {
	if err := authorize(opAnswerExport, tok, ""); err != nil {
		return nil, err
	}
	var rows []AnswerRow
	err := s.store.WithTx(func(tx Tx) error {
		q, err := loadTree(tx, questionnaireID, version)
		if err != nil {
			return err
		}
		if !tok.HasStudy(q.StudyID) {
			return NewForbiddenError("no access to study " + q.StudyID)
		}
		questionVar := map[int64]string{}
		optionVar := map[int64]string{}
		for _, question := range q.Questions {
			questionVar[question.ID] = question.VariableName
			for _, ao := range question.AnswerOptions {
				optionVar[ao.ID] = ao.VariableName
			}
		}
		instances, err := tx.ListInstancesForQuestionnaire(questionnaireID, version)
		if err != nil {
			return err
		}
		sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
		for _, inst := range instances {
			if !releasedStatuses[inst.Status] {
				continue
			}
			released := ""
			if inst.DateOfReleaseV2 != nil {
				released = inst.DateOfReleaseV2.Format(time.RFC3339)
			} else if inst.DateOfReleaseV1 != nil {
				released = inst.DateOfReleaseV1.Format(time.RFC3339)
			}
			for _, versioning := range []int{1, 2} {
				answers, err := tx.ListAnswers(inst.ID, versioning)
				if err != nil {
					return err
				}
				for _, a := range answers {
					rows = append(rows, AnswerRow{
						InstanceID:        inst.ID,
						Participant:       inst.Username,
						QuestionnaireName: inst.QuestionnaireName,
						QuestionVariable:  questionVar[a.QuestionID],
						OptionVariable:    optionVar[a.AnswerOptionID],
						Value:             a.Value,
						Versioning:        versioning,
						ReleasedAt:        released,
					})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ExportAnswersCSV(rows)
}
