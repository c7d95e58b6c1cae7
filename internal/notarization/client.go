// Package notarization anchors project milestones on an external
// append-only log and mirrors the log's messages locally. Remote writes are
// fire-and-report: a failure is returned to the caller but never blocks the
// ledger operation that triggered it.
package notarization

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/solidcrowd/crowdledger/pkg/utils"
)

// Client talks to the notarization service over HTTP
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient creates a notarization client
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: utils.GetLogger(),
	}
}

// TopicResult is the outcome of a remote topic creation
type TopicResult struct {
	TopicRef      string `json:"topicId"`
	TransactionID string `json:"transactionId"`
}

// PublishResult is the outcome of a remote message publication
type PublishResult struct {
	TransactionID  string `json:"transactionId"`
	SequenceNumber int64  `json:"sequenceNumber"`
}

// RemoteMessage is one message as returned by the remote log
type RemoteMessage struct {
	SequenceNumber     int64                  `json:"sequenceNumber"`
	ConsensusTimestamp time.Time              `json:"consensusTimestamp"`
	MessageType        string                 `json:"messageType"`
	Content            map[string]interface{} `json:"content"`
	TransactionID      string                 `json:"transactionId"`
}

// CreateTopic creates a remote topic for a project
func (c *Client) CreateTopic(ctx context.Context, projectID, projectContent, adminID string) (*TopicResult, error) {
	payload := map[string]interface{}{
		"projectId":      projectID,
		"projectContent": projectContent,
		"adminId":        adminID,
	}

	var response struct {
		Success       bool   `json:"success"`
		TopicID       string `json:"topicId"`
		TransactionID string `json:"transactionId"`
		Error         string `json:"error"`
	}

	if err := c.post(ctx, "/create-project-topic", payload, &response); err != nil {
		return nil, err
	}

	if !response.Success || response.TopicID == "" {
		return nil, utils.NewAppError(utils.ErrCodeNotarization,
			"Topic creation rejected", response.Error)
	}

	c.logger.WithFields(logrus.Fields{
		"project_id": projectID,
		"topic_ref":  response.TopicID,
	}).Info("Notarization topic created")

	return &TopicResult{
		TopicRef:      response.TopicID,
		TransactionID: response.TransactionID,
	}, nil
}

// PublishValidation publishes a project validation record to the topic
func (c *Client) PublishValidation(ctx context.Context, projectID, topicRef, validatorID string, content map[string]interface{}) (*PublishResult, error) {
	payload := map[string]interface{}{
		"projectId":   projectID,
		"topicId":     topicRef,
		"validatorId": validatorID,
		"content":     content,
	}

	var response struct {
		Success        bool   `json:"success"`
		TransactionID  string `json:"transactionId"`
		SequenceNumber int64  `json:"sequenceNumber"`
		Error          string `json:"error"`
	}

	if err := c.post(ctx, "/notarize-project-validation", payload, &response); err != nil {
		return nil, err
	}

	if !response.Success {
		return nil, utils.NewAppError(utils.ErrCodeNotarization,
			"Validation publication rejected", response.Error)
	}

	return &PublishResult{
		TransactionID:  response.TransactionID,
		SequenceNumber: response.SequenceNumber,
	}, nil
}

// GetMessages fetches the remote messages of a topic
func (c *Client) GetMessages(ctx context.Context, topicRef string) ([]*RemoteMessage, error) {
	url := fmt.Sprintf("%s/topics/%s/messages", c.baseURL, topicRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to create request", err.Error())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeNotarization, "Message retrieval failed", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, utils.NewAppError(utils.ErrCodeNotarization,
			"Message retrieval returned non-success status",
			fmt.Sprintf("status: %d", resp.StatusCode))
	}

	var response struct {
		Messages []*RemoteMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, utils.NewAppError(utils.ErrCodeNotarization, "Malformed message response", err.Error())
	}

	return response.Messages, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal request", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return utils.NewAppError(utils.ErrCodeInternal, "Failed to create request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return utils.NewAppError(utils.ErrCodeNotarization, "Notarization request failed", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return utils.NewAppError(utils.ErrCodeNotarization,
			"Notarization request returned non-success status",
			fmt.Sprintf("status: %d", resp.StatusCode))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
