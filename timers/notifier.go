package timers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/TriviaNFT/triviaNFT-sub002/auth"
	"github.com/TriviaNFT/triviaNFT-sub002/logger"
	"github.com/TriviaNFT/triviaNFT-sub002/model"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Notifier delivers a fired timer as a resume command.
type Notifier interface {
	Notify(ctx context.Context, timer model.SleepTimer) error
}

type Submitter interface {
	Submit(req model.WorkRequest) error
}

// LocalNotifier resumes runs on the in-process dispatcher.
type LocalNotifier struct {
	submitter Submitter
}

func NewLocalNotifier(submitter Submitter) *LocalNotifier {
	return &LocalNotifier{submitter: submitter}
}

func (n *LocalNotifier) Notify(ctx context.Context, timer model.SleepTimer) error {
	return n.submitter.Submit(model.WorkRequest{RunId: timer.RunId, RequestType: model.RESUME_RUN})
}

// RemoteNotifier posts resume callbacks to the ingress of another process,
// authenticated with an internal token.
type RemoteNotifier struct {
	url        string
	tokens     *auth.TokenIssuer
	client     *http.Client
	maxRetries uint64
}

func NewRemoteNotifier(url string, tokens *auth.TokenIssuer, timeout time.Duration) *RemoteNotifier {
	return &RemoteNotifier{
		url:        url,
		tokens:     tokens,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 3,
	}
}

func (n *RemoteNotifier) Notify(ctx context.Context, timer model.SleepTimer) error {
	body, err := json.Marshal(map[string]string{"runId": timer.RunId})
	if err != nil {
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), n.maxRetries), ctx)
	return backoff.Retry(func() error {
		token, err := n.tokens.Issue(timer.RunId)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := n.client.Do(req)
		if err != nil {
			logger.Warn("resume callback failed", zap.String("RunId", timer.RunId), zap.Error(err))
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return fmt.Errorf("resume callback returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("resume callback rejected with %d", resp.StatusCode))
		}
	}, b)
}
