package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opencohort/cohortq/internal/middleware"
	"github.com/opencohort/cohortq/internal/services"
)

type stubPublisher struct {
	versions []int
}

func (p *stubPublisher) PublishRelease(instanceID int64, releaseVersion int) error {
	p.versions = append(p.versions, releaseVersion)
	return nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubPublisher) {
	t.Helper()
	pub := &stubPublisher{}
	mux := http.NewServeMux()
	NewRouter(NewMemoryStore(), pub, nil).Register(mux)
	srv := httptest.NewServer(middleware.WithAuth(mux))
	t.Cleanup(srv.Close)
	return srv, pub
}

func doJSON(t *testing.T, method, url, token string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode response %q: %v", data, err)
		}
	}
	return resp.StatusCode
}

func signToken(t *testing.T, username, role string, studies []string) string {
	t.Helper()
	tok, err := middleware.SignToken(username, role, studies, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestAPIRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	status := doJSON(t, http.MethodGet, srv.URL+"/api/studies/study-a/questionnaires", "", nil, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
}

func TestAPIFullFlow(t *testing.T) {
	srv, pub := newTestServer(t)
	adminTok := signToken(t, "root", "admin", nil)

	// admin creates a researcher account, researcher logs in
	status := doJSON(t, http.MethodPost, srv.URL+"/api/users", adminTok, map[string]any{
		"username": "res1", "password": "s3cret", "role": "researcher", "studies": []string{"study-a"},
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create user status = %d, want 201", status)
	}
	var login struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	status = doJSON(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"username": "res1", "password": "s3cret",
	}, &login)
	if status != http.StatusOK {
		t.Fatalf("login status = %d, want 200", status)
	}
	if login.Role != "researcher" || login.Token == "" {
		t.Fatalf("login response = %+v", login)
	}

	// researcher creates a questionnaire
	var created services.Questionnaire
	status = doJSON(t, http.MethodPost, srv.URL+"/api/questionnaires", login.Token, map[string]any{
		"study_id": "study-a",
		"name":     "Weekly Symptoms",
		"questions": []map[string]any{
			{"text": "How do you feel?", "position": 1, "answer_options": []map[string]any{
				{"position": 1, "answer_type": "single_select", "values": []string{"good", "bad"}, "values_code": []int{1, 2}},
			}},
		},
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("create questionnaire status = %d, want 201", status)
	}
	if created.Version != 1 || len(created.Questions) != 1 {
		t.Fatalf("created questionnaire = %+v", created)
	}
	optionID := created.Questions[0].AnswerOptions[0].ID
	if optionID == 0 {
		t.Fatalf("answer option id not assigned")
	}

	// researcher issues an instance to a participant
	var inst services.QuestionnaireInstance
	status = doJSON(t, http.MethodPost, srv.URL+"/api/instances", login.Token, map[string]any{
		"questionnaire_id": created.ID, "questionnaire_version": 1, "username": "part1",
	}, &inst)
	if status != http.StatusCreated {
		t.Fatalf("issue instance status = %d, want 201", status)
	}
	if inst.Status != services.StatusActive {
		t.Fatalf("instance status = %s, want active", inst.Status)
	}

	// participant answers and releases
	probandTok := signToken(t, "part1", "proband", []string{"study-a"})
	instURL := fmt.Sprintf("%s/api/instances/%d", srv.URL, inst.ID)
	status = doJSON(t, http.MethodPost, instURL+"/answers", probandTok, map[string]any{
		"answers": []map[string]any{{"answer_option_id": optionID, "value": "good"}},
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("save answers status = %d, want 200", status)
	}
	status = doJSON(t, http.MethodPut, instURL, probandTok, map[string]any{"status": "released_once"}, &inst)
	if status != http.StatusOK {
		t.Fatalf("release status = %d, want 200", status)
	}
	if inst.ReleaseVersion != 1 || inst.DateOfReleaseV1 == nil {
		t.Fatalf("instance after release = %+v", inst)
	}
	if len(pub.versions) != 1 || pub.versions[0] != 1 {
		t.Fatalf("published versions = %v, want [1]", pub.versions)
	}

	// researcher exports released answers
	req, _ := http.NewRequest(http.MethodGet,
		fmt.Sprintf("%s/api/export?questionnaire_id=%d&version=1", srv.URL, created.ID), nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()
	csvData, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d, body %s", resp.StatusCode, csvData)
	}
	if !strings.Contains(string(csvData), "part1") || !strings.Contains(string(csvData), "good") {
		t.Fatalf("export missing released answer:\n%s", csvData)
	}
}

func TestAPIWrongTransitionMapsToConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	adminTok := signToken(t, "root", "admin", nil)
	doJSON(t, http.MethodPost, srv.URL+"/api/users", adminTok, map[string]any{
		"username": "res1", "password": "pw", "role": "researcher", "studies": []string{"study-a"},
	}, nil)
	resTok := signToken(t, "res1", "researcher", []string{"study-a"})

	var created services.Questionnaire
	doJSON(t, http.MethodPost, srv.URL+"/api/questionnaires", resTok, map[string]any{
		"study_id": "study-a", "name": "Weekly",
	}, &created)
	var inst services.QuestionnaireInstance
	doJSON(t, http.MethodPost, srv.URL+"/api/instances", resTok, map[string]any{
		"questionnaire_id": created.ID, "questionnaire_version": 1, "username": "part1",
	}, &inst)

	probandTok := signToken(t, "part1", "proband", []string{"study-a"})
	var errBody struct {
		Code string `json:"code"`
	}
	status := doJSON(t, http.MethodPut, fmt.Sprintf("%s/api/instances/%d", srv.URL, inst.ID),
		probandTok, map[string]any{"status": "released"}, &errBody)
	if status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", status)
	}
	if errBody.Code != "conflict" {
		t.Fatalf("error code = %q, want conflict", errBody.Code)
	}
}
