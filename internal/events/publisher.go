// Package events delivers release notifications to downstream systems.
// The study data warehouse pulls released answers after each notification.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// LogPublisher just records releases in the server log. Used when no
// webhook target is configured.
type LogPublisher struct{}

func (LogPublisher) PublishRelease(instanceID int64, releaseVersion int) error {
	log.Printf("instance %d released (version %d)", instanceID, releaseVersion)
	return nil
}

// WebhookPublisher POSTs a release event to a configured URL.
type WebhookPublisher struct {
	URL    string
	Client *http.Client
}

func NewWebhookPublisher(url string) *WebhookPublisher {
	return &WebhookPublisher{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

type releaseEvent struct {
	QuestionnaireInstanceID int64 `json:"questionnaire_instance_id"`
	ReleaseVersion          int   `json:"release_version"`
}

func (p *WebhookPublisher) PublishRelease(instanceID int64, releaseVersion int) error {
	body, err := json.Marshal(releaseEvent{
		QuestionnaireInstanceID: instanceID,
		ReleaseVersion:          releaseVersion,
	})
	if err != nil {
		return fmt.Errorf("encode release event: %w", err)
	}
	resp, err := p.Client.Post(p.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post release event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("release webhook returned %s", resp.Status)
	}
	return nil
}
