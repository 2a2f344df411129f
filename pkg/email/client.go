// Package email is the HTTP client for the marketplace's transactional email
// dispatcher. Template rendering and SMTP happen on the dispatcher side; this
// client sends exactly one request per job.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "tradewire/internal/errors"

	"github.com/sirupsen/logrus"
)

// Client dispatches notification emails.
type Client interface {
	SendNotificationEmail(ctx context.Context, userID, kind, sourceMessageID string) error
}

type httpClient struct {
	baseURL  string
	apiKey   string
	fromName string
	client   *http.Client
	logger   *logrus.Logger
}

func NewClient(baseURL, apiKey, fromName string, timeout time.Duration, logger *logrus.Logger) Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpClient{
		baseURL:  baseURL,
		apiKey:   apiKey,
		fromName: fromName,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type sendRequest struct {
	UserID          string `json:"userId"`
	Template        string `json:"template"`
	SourceMessageID string `json:"sourceMessageId"`
	FromName        string `json:"fromName,omitempty"`
}

// SendNotificationEmail posts one send request. Dispatcher 4xx responses are
// permanent (the request will never succeed); everything else is transient
// and eligible for queue retry.
func (c *httpClient) SendNotificationEmail(ctx context.Context, userID, kind, sourceMessageID string) error {
	body, err := json.Marshal(sendRequest{
		UserID:          userID,
		Template:        "notification-" + kind,
		SourceMessageID: sourceMessageID,
		FromName:        c.fromName,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePermanentDelivery, "failed to encode email request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodePermanentDelivery, "failed to build email request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeTransientDelivery, "email dispatcher unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.WithFields(logrus.Fields{
			"user_id": userID,
			"kind":    kind,
		}).Debug("Notification email dispatched")
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("email dispatcher returned %d: %s", resp.StatusCode, detail)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return apperrors.Wrap(err, apperrors.ErrCodePermanentDelivery, "email rejected by dispatcher")
	}
	return apperrors.WrapRetryable(err, apperrors.ErrCodeTransientDelivery, "email dispatcher error")
}
