// Package db provides the SQLite-backed implementation of services.Store.
package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opencohort/cohortq/internal/services"
)

// Open opens the database file with the connection options the store relies
// on. _txlock=immediate makes every transaction take the write lock up
// front, so WithTx never deadlocks on lock upgrades.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func NewStore(db *sql.DB) (services.Store, error) {
	return NewSQLiteStore(db)
}

func (s *SQLiteStore) WithTx(fn func(tx services.Tx) error) error {
	sqlTx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&txStore{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			log.Printf("sqlite store: rollback: %v", rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

// --- column helpers ---

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

func int64ToBool(v int64) bool { return v != 0 }

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func encodeStrings(list []string) (sql.NullString, error) {
	if len(list) == 0 {
		return sql.NullString{}, nil
	}
	return encodeJSON(list)
}

func decodeStrings(ns sql.NullString) []string {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		log.Printf("sqlite store: decode string list: %v", err)
		return nil
	}
	return out
}

func encodeInts(list []int) (sql.NullString, error) {
	if len(list) == 0 {
		return sql.NullString{}, nil
	}
	return encodeJSON(list)
}

func decodeInts(ns sql.NullString) []int {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(ns.String), &out); err != nil {
		log.Printf("sqlite store: decode int list: %v", err)
		return nil
	}
	return out
}

func toNullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		log.Printf("sqlite store: parse time %q: %v", s, err)
		return time.Time{}
	}
	return t
}

func toNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeStr(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

// --- questionnaires ---

const questionnaireCols = `id, version, study_id, name, custom_name, audience, no_questions,
	cycle_amount, cycle_unit, activate_after_days, deactivate_after_days,
	notification_tries, notification_title, notification_body_new,
	notification_body_in_progress, publish, active, created_at, updated_at`

func scanQuestionnaire(row interface{ Scan(...any) error }) (*services.Questionnaire, error) {
	var q services.Questionnaire
	var customName, cycleUnit, notifTitle, notifNew, notifInProgress, publish sql.NullString
	var active int64
	var createdAt, updatedAt string
	err := row.Scan(&q.ID, &q.Version, &q.StudyID, &q.Name, &customName, &q.Audience, &q.NoQuestions,
		&q.CycleAmount, &cycleUnit, &q.ActivateAfterDays, &q.DeactivateAfterDays,
		&q.NotificationTries, &notifTitle, &notifNew, &notifInProgress, &publish,
		&active, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	q.CustomName = customName.String
	q.CycleUnit = cycleUnit.String
	q.NotificationTitle = notifTitle.String
	q.NotificationBodyNew = notifNew.String
	q.NotificationBodyInProgress = notifInProgress.String
	q.Publish = publish.String
	q.Active = int64ToBool(active)
	q.CreatedAt = parseTime(createdAt)
	q.UpdatedAt = parseTime(updatedAt)
	return &q, nil
}

func (t *txStore) InsertQuestionnaire(q *services.Questionnaire) error {
	if q.ID == 0 {
		if err := t.tx.QueryRow(`SELECT COALESCE(MAX(id), 0) + 1 FROM questionnaires`).Scan(&q.ID); err != nil {
			return fmt.Errorf("next questionnaire id: %w", err)
		}
	}
	_, err := t.tx.Exec(`INSERT INTO questionnaires (`+questionnaireCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Version, q.StudyID, q.Name, toNullString(q.CustomName), string(q.Audience), q.NoQuestions,
		q.CycleAmount, toNullString(q.CycleUnit), q.ActivateAfterDays, q.DeactivateAfterDays,
		q.NotificationTries, toNullString(q.NotificationTitle), toNullString(q.NotificationBodyNew),
		toNullString(q.NotificationBodyInProgress), toNullString(q.Publish),
		boolToInt64(q.Active), timeStr(q.CreatedAt), timeStr(q.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert questionnaire: %w", err)
	}
	return nil
}

func (t *txStore) GetQuestionnaire(id int64, version int) (*services.Questionnaire, error) {
	row := t.tx.QueryRow(`SELECT `+questionnaireCols+` FROM questionnaires WHERE id = ? AND version = ?`, id, version)
	q, err := scanQuestionnaire(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get questionnaire: %w", err)
	}
	return q, nil
}

func (t *txStore) MaxQuestionnaireVersion(id int64) (int, error) {
	var max int
	if err := t.tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM questionnaires WHERE id = ?`, id).Scan(&max); err != nil {
		return 0, fmt.Errorf("max questionnaire version: %w", err)
	}
	return max, nil
}

func (t *txStore) UpdateQuestionnaire(q *services.Questionnaire) error {
	res, err := t.tx.Exec(`UPDATE questionnaires SET study_id = ?, name = ?, custom_name = ?, audience = ?,
		no_questions = ?, cycle_amount = ?, cycle_unit = ?, activate_after_days = ?, deactivate_after_days = ?,
		notification_tries = ?, notification_title = ?, notification_body_new = ?,
		notification_body_in_progress = ?, publish = ?, active = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		q.StudyID, q.Name, toNullString(q.CustomName), string(q.Audience),
		q.NoQuestions, q.CycleAmount, toNullString(q.CycleUnit), q.ActivateAfterDays, q.DeactivateAfterDays,
		q.NotificationTries, toNullString(q.NotificationTitle), toNullString(q.NotificationBodyNew),
		toNullString(q.NotificationBodyInProgress), toNullString(q.Publish),
		boolToInt64(q.Active), timeStr(q.UpdatedAt), q.ID, q.Version)
	if err != nil {
		return fmt.Errorf("update questionnaire: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("questionnaire not found")
	}
	return nil
}

func (t *txStore) SetQuestionnaireActive(id int64, version int, active bool) error {
	res, err := t.tx.Exec(`UPDATE questionnaires SET active = ? WHERE id = ? AND version = ?`,
		boolToInt64(active), id, version)
	if err != nil {
		return fmt.Errorf("set questionnaire active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("questionnaire not found")
	}
	return nil
}

func (t *txStore) ListQuestionnaires(studyID string) ([]*services.Questionnaire, error) {
	rows, err := t.tx.Query(`SELECT `+questionnaireCols+` FROM questionnaires WHERE study_id = ? ORDER BY id, version`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list questionnaires: %w", err)
	}
	defer rows.Close()
	out := []*services.Questionnaire{}
	for rows.Next() {
		q, err := scanQuestionnaire(rows)
		if err != nil {
			return nil, fmt.Errorf("scan questionnaire: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// --- questions ---

const questionCols = `id, questionnaire_id, questionnaire_version, text, position, is_mandatory, variable_name`

func scanQuestion(row interface{ Scan(...any) error }) (*services.Question, error) {
	var q services.Question
	var mandatory int64
	var variableName sql.NullString
	if err := row.Scan(&q.ID, &q.QuestionnaireID, &q.QuestionnaireVersion, &q.Text, &q.Position, &mandatory, &variableName); err != nil {
		return nil, err
	}
	q.Mandatory = int64ToBool(mandatory)
	q.VariableName = variableName.String
	return &q, nil
}

func (t *txStore) ListQuestions(questionnaireID int64, version int) ([]*services.Question, error) {
	rows, err := t.tx.Query(`SELECT `+questionCols+` FROM questions
		WHERE questionnaire_id = ? AND questionnaire_version = ? ORDER BY position`, questionnaireID, version)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()
	out := []*services.Question{}
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (t *txStore) InsertQuestion(q *services.Question) error {
	if q.ID != 0 {
		_, err := t.tx.Exec(`INSERT INTO questions (`+questionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.QuestionnaireID, q.QuestionnaireVersion, q.Text, q.Position,
			boolToInt64(q.Mandatory), toNullString(q.VariableName))
		if err != nil {
			return fmt.Errorf("insert question: %w", err)
		}
		return nil
	}
	res, err := t.tx.Exec(`INSERT INTO questions (questionnaire_id, questionnaire_version, text, position, is_mandatory, variable_name)
		VALUES (?, ?, ?, ?, ?, ?)`,
		q.QuestionnaireID, q.QuestionnaireVersion, q.Text, q.Position,
		boolToInt64(q.Mandatory), toNullString(q.VariableName))
	if err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	q.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("question insert id: %w", err)
	}
	return nil
}

func (t *txStore) UpdateQuestion(q *services.Question) error {
	res, err := t.tx.Exec(`UPDATE questions SET text = ?, position = ?, is_mandatory = ?, variable_name = ? WHERE id = ?`,
		q.Text, q.Position, boolToInt64(q.Mandatory), toNullString(q.VariableName), q.ID)
	if err != nil {
		return fmt.Errorf("update question: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("question not found")
	}
	return nil
}

func (t *txStore) DeleteQuestion(id int64) error {
	if _, err := t.tx.Exec(`DELETE FROM questions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete question: %w", err)
	}
	return nil
}

// --- answer options ---

const answerOptionCols = `id, question_id, text, position, answer_type, answer_values, values_code,
	restriction_min, restriction_max, variable_name`

func scanAnswerOption(row interface{ Scan(...any) error }) (*services.AnswerOption, error) {
	var ao services.AnswerOption
	var text, values, valuesCode, variableName sql.NullString
	var min, max sql.NullFloat64
	if err := row.Scan(&ao.ID, &ao.QuestionID, &text, &ao.Position, &ao.Type, &values, &valuesCode, &min, &max, &variableName); err != nil {
		return nil, err
	}
	ao.Text = text.String
	ao.Values = decodeStrings(values)
	ao.ValuesCode = decodeInts(valuesCode)
	ao.RestrictionMin = floatPtr(min)
	ao.RestrictionMax = floatPtr(max)
	ao.VariableName = variableName.String
	return &ao, nil
}

func (t *txStore) ListAnswerOptions(questionID int64) ([]*services.AnswerOption, error) {
	rows, err := t.tx.Query(`SELECT `+answerOptionCols+` FROM answer_options WHERE question_id = ? ORDER BY position`, questionID)
	if err != nil {
		return nil, fmt.Errorf("list answer options: %w", err)
	}
	defer rows.Close()
	out := []*services.AnswerOption{}
	for rows.Next() {
		ao, err := scanAnswerOption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan answer option: %w", err)
		}
		out = append(out, ao)
	}
	return out, rows.Err()
}

func (t *txStore) GetAnswerOption(id int64) (*services.AnswerOption, error) {
	row := t.tx.QueryRow(`SELECT `+answerOptionCols+` FROM answer_options WHERE id = ?`, id)
	ao, err := scanAnswerOption(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get answer option: %w", err)
	}
	return ao, nil
}

func (t *txStore) InsertAnswerOption(ao *services.AnswerOption) error {
	values, err := encodeStrings(ao.Values)
	if err != nil {
		return fmt.Errorf("encode answer values: %w", err)
	}
	valuesCode, err := encodeInts(ao.ValuesCode)
	if err != nil {
		return fmt.Errorf("encode values code: %w", err)
	}
	if ao.ID != 0 {
		_, err := t.tx.Exec(`INSERT INTO answer_options (`+answerOptionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ao.ID, ao.QuestionID, toNullString(ao.Text), ao.Position, string(ao.Type),
			values, valuesCode, toNullFloat(ao.RestrictionMin), toNullFloat(ao.RestrictionMax),
			toNullString(ao.VariableName))
		if err != nil {
			return fmt.Errorf("insert answer option: %w", err)
		}
		return nil
	}
	res, err := t.tx.Exec(`INSERT INTO answer_options (question_id, text, position, answer_type, answer_values, values_code,
		restriction_min, restriction_max, variable_name) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ao.QuestionID, toNullString(ao.Text), ao.Position, string(ao.Type),
		values, valuesCode, toNullFloat(ao.RestrictionMin), toNullFloat(ao.RestrictionMax),
		toNullString(ao.VariableName))
	if err != nil {
		return fmt.Errorf("insert answer option: %w", err)
	}
	ao.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("answer option insert id: %w", err)
	}
	return nil
}

func (t *txStore) UpdateAnswerOption(ao *services.AnswerOption) error {
	values, err := encodeStrings(ao.Values)
	if err != nil {
		return fmt.Errorf("encode answer values: %w", err)
	}
	valuesCode, err := encodeInts(ao.ValuesCode)
	if err != nil {
		return fmt.Errorf("encode values code: %w", err)
	}
	res, err := t.tx.Exec(`UPDATE answer_options SET text = ?, position = ?, answer_type = ?, answer_values = ?,
		values_code = ?, restriction_min = ?, restriction_max = ?, variable_name = ? WHERE id = ?`,
		toNullString(ao.Text), ao.Position, string(ao.Type), values, valuesCode,
		toNullFloat(ao.RestrictionMin), toNullFloat(ao.RestrictionMax), toNullString(ao.VariableName), ao.ID)
	if err != nil {
		return fmt.Errorf("update answer option: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("answer option not found")
	}
	return nil
}

func (t *txStore) DeleteAnswerOption(id int64) error {
	if _, err := t.tx.Exec(`DELETE FROM answer_options WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete answer option: %w", err)
	}
	return nil
}

// --- conditions ---

const conditionCols = `id, owner_questionnaire_id, owner_questionnaire_version, owner_question_id,
	owner_answer_option_id, type, operand, value, link, target_answer_option_id,
	target_questionnaire_id, target_questionnaire_version, error`

func scanCondition(row interface{ Scan(...any) error }) (*services.Condition, error) {
	var c services.Condition
	var operand, value, link, condErr sql.NullString
	err := row.Scan(&c.ID, &c.OwnerQuestionnaireID, &c.OwnerQuestionnaireVersion, &c.OwnerQuestionID,
		&c.OwnerAnswerOptionID, &c.Type, &operand, &value, &link, &c.Target.ID,
		&c.TargetQuestionnaireID, &c.TargetQuestionnaireVersion, &condErr)
	if err != nil {
		return nil, err
	}
	c.Operand = operand.String
	c.Value = value.String
	c.Link = link.String
	c.Error = condErr.String
	return &c, nil
}

func (t *txStore) InsertCondition(c *services.Condition) error {
	res, err := t.tx.Exec(`INSERT INTO conditions (owner_questionnaire_id, owner_questionnaire_version,
		owner_question_id, owner_answer_option_id, type, operand, value, link, target_answer_option_id,
		target_questionnaire_id, target_questionnaire_version, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.OwnerQuestionnaireID, c.OwnerQuestionnaireVersion, c.OwnerQuestionID, c.OwnerAnswerOptionID,
		string(c.Type), toNullString(c.Operand), toNullString(c.Value), toNullString(c.Link),
		c.Target.ID, c.TargetQuestionnaireID, c.TargetQuestionnaireVersion, toNullString(c.Error))
	if err != nil {
		return fmt.Errorf("insert condition: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("condition insert id: %w", err)
	}
	return nil
}

func (t *txStore) getCondition(where string, args ...any) (*services.Condition, error) {
	row := t.tx.QueryRow(`SELECT `+conditionCols+` FROM conditions WHERE `+where, args...)
	c, err := scanCondition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get condition: %w", err)
	}
	return c, nil
}

func (t *txStore) GetConditionByQuestionnaire(id int64, version int) (*services.Condition, error) {
	return t.getCondition(`owner_questionnaire_id = ? AND owner_questionnaire_version = ?`, id, version)
}

func (t *txStore) GetConditionByQuestion(questionID int64) (*services.Condition, error) {
	return t.getCondition(`owner_question_id = ?`, questionID)
}

func (t *txStore) GetConditionByAnswerOption(answerOptionID int64) (*services.Condition, error) {
	return t.getCondition(`owner_answer_option_id = ?`, answerOptionID)
}

func (t *txStore) DeleteConditionByQuestionnaire(id int64, version int) error {
	if _, err := t.tx.Exec(`DELETE FROM conditions WHERE owner_questionnaire_id = ? AND owner_questionnaire_version = ?`, id, version); err != nil {
		return fmt.Errorf("delete questionnaire condition: %w", err)
	}
	return nil
}

func (t *txStore) DeleteConditionByQuestion(questionID int64) error {
	if _, err := t.tx.Exec(`DELETE FROM conditions WHERE owner_question_id = ?`, questionID); err != nil {
		return fmt.Errorf("delete question condition: %w", err)
	}
	return nil
}

func (t *txStore) DeleteConditionByAnswerOption(answerOptionID int64) error {
	if _, err := t.tx.Exec(`DELETE FROM conditions WHERE owner_answer_option_id = ?`, answerOptionID); err != nil {
		return fmt.Errorf("delete answer option condition: %w", err)
	}
	return nil
}

func (t *txStore) DeleteConditionsTargeting(answerOptionIDs []int64) error {
	if len(answerOptionIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(answerOptionIDs)), ", ")
	args := make([]any, len(answerOptionIDs))
	for i, id := range answerOptionIDs {
		args[i] = id
	}
	if _, err := t.tx.Exec(`DELETE FROM conditions WHERE target_answer_option_id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete targeting conditions: %w", err)
	}
	return nil
}

// --- instances ---

const instanceCols = `id, study_id, questionnaire_id, questionnaire_version, questionnaire_name, username,
	date_of_issue, cycle_ordinal, cycle_unit, status, progress, date_of_release_v1,
	date_of_release_v2, released_by, release_version`

func scanInstance(row interface{ Scan(...any) error }) (*services.QuestionnaireInstance, error) {
	var inst services.QuestionnaireInstance
	var dateOfIssue string
	var cycleUnit, releaseV1, releaseV2, releasedBy sql.NullString
	err := row.Scan(&inst.ID, &inst.StudyID, &inst.QuestionnaireID, &inst.QuestionnaireVersion,
		&inst.QuestionnaireName, &inst.Username, &dateOfIssue, &inst.CycleOrdinal, &cycleUnit,
		&inst.Status, &inst.Progress, &releaseV1, &releaseV2, &releasedBy, &inst.ReleaseVersion)
	if err != nil {
		return nil, err
	}
	inst.DateOfIssue = parseTime(dateOfIssue)
	inst.CycleUnit = cycleUnit.String
	inst.DateOfReleaseV1 = timePtr(releaseV1)
	inst.DateOfReleaseV2 = timePtr(releaseV2)
	inst.ReleasedBy = releasedBy.String
	return &inst, nil
}

func (t *txStore) GetInstance(id int64) (*services.QuestionnaireInstance, error) {
	row := t.tx.QueryRow(`SELECT `+instanceCols+` FROM questionnaire_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func (t *txStore) InsertInstance(inst *services.QuestionnaireInstance) error {
	res, err := t.tx.Exec(`INSERT INTO questionnaire_instances (study_id, questionnaire_id, questionnaire_version,
		questionnaire_name, username, date_of_issue, cycle_ordinal, cycle_unit, status, progress,
		date_of_release_v1, date_of_release_v2, released_by, release_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.StudyID, inst.QuestionnaireID, inst.QuestionnaireVersion, inst.QuestionnaireName,
		inst.Username, timeStr(inst.DateOfIssue), inst.CycleOrdinal, toNullString(inst.CycleUnit),
		string(inst.Status), inst.Progress, toNullTime(inst.DateOfReleaseV1), toNullTime(inst.DateOfReleaseV2),
		toNullString(inst.ReleasedBy), inst.ReleaseVersion)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	inst.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("instance insert id: %w", err)
	}
	return nil
}

func (t *txStore) UpdateInstance(inst *services.QuestionnaireInstance) error {
	res, err := t.tx.Exec(`UPDATE questionnaire_instances SET status = ?, progress = ?, date_of_release_v1 = ?,
		date_of_release_v2 = ?, released_by = ?, release_version = ? WHERE id = ?`,
		string(inst.Status), inst.Progress, toNullTime(inst.DateOfReleaseV1), toNullTime(inst.DateOfReleaseV2),
		toNullString(inst.ReleasedBy), inst.ReleaseVersion, inst.ID)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("instance not found")
	}
	return nil
}

func (t *txStore) listInstances(where string, args ...any) ([]*services.QuestionnaireInstance, error) {
	rows, err := t.tx.Query(`SELECT `+instanceCols+` FROM questionnaire_instances WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()
	out := []*services.QuestionnaireInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (t *txStore) ListInstances(studyID, username string) ([]*services.QuestionnaireInstance, error) {
	if username != "" {
		return t.listInstances(`study_id = ? AND username = ?`, studyID, username)
	}
	return t.listInstances(`study_id = ?`, studyID)
}

func (t *txStore) ListInstancesForQuestionnaire(questionnaireID int64, version int) ([]*services.QuestionnaireInstance, error) {
	return t.listInstances(`questionnaire_id = ? AND questionnaire_version = ?`, questionnaireID, version)
}

func (t *txStore) DeleteInstances(questionnaireID int64, version int, statuses []services.InstanceStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
	args := []any{questionnaireID, version}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	res, err := t.tx.Exec(`DELETE FROM questionnaire_instances
		WHERE questionnaire_id = ? AND questionnaire_version = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete instances count: %w", err)
	}
	return int(n), nil
}

// --- answers ---

func (t *txStore) SaveAnswers(answers []*services.Answer) error {
	for _, a := range answers {
		_, err := t.tx.Exec(`INSERT INTO answers (questionnaire_instance_id, question_id, answer_option_id, versioning, value)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (questionnaire_instance_id, answer_option_id, versioning)
			DO UPDATE SET question_id = excluded.question_id, value = excluded.value`,
			a.InstanceID, a.QuestionID, a.AnswerOptionID, a.Versioning, a.Value)
		if err != nil {
			return fmt.Errorf("save answer: %w", err)
		}
	}
	return nil
}

func (t *txStore) ListAnswers(instanceID int64, versioning int) ([]*services.Answer, error) {
	rows, err := t.tx.Query(`SELECT questionnaire_instance_id, question_id, answer_option_id, versioning, value
		FROM answers WHERE questionnaire_instance_id = ? AND versioning = ?
		ORDER BY question_id, answer_option_id`, instanceID, versioning)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	defer rows.Close()
	out := []*services.Answer{}
	for rows.Next() {
		var a services.Answer
		if err := rows.Scan(&a.InstanceID, &a.QuestionID, &a.AnswerOptionID, &a.Versioning, &a.Value); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (t *txStore) DeleteAnswer(instanceID, answerOptionID int64, versioning int) error {
	if _, err := t.tx.Exec(`DELETE FROM answers
		WHERE questionnaire_instance_id = ? AND answer_option_id = ? AND versioning = ?`,
		instanceID, answerOptionID, versioning); err != nil {
		return fmt.Errorf("delete answer: %w", err)
	}
	return nil
}

// --- accounts ---

func (t *txStore) GetUser(username string) (*services.User, error) {
	var u services.User
	var studies sql.NullString
	var createdAt string
	err := t.tx.QueryRow(`SELECT username, role, pass_hash, studies, created_at FROM users WHERE username = ?`, username).
		Scan(&u.Username, &u.Role, &u.PassHash, &studies, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Studies = decodeStrings(studies)
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func (t *txStore) AddUser(u *services.User) error {
	studies, err := encodeStrings(u.Studies)
	if err != nil {
		return fmt.Errorf("encode user studies: %w", err)
	}
	if _, err := t.tx.Exec(`INSERT INTO users (username, role, pass_hash, studies, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.Username, string(u.Role), u.PassHash, studies, timeStr(u.CreatedAt)); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}
