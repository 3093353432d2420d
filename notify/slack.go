// Human-facing notifications for embed checking events.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/forummod/embedwatch/embedcheck"
)

type SlackNotifier struct {
	WebhookURL string
	// If not set, a client with a short timeout is used
	Client *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		WebhookURL: webhookURL,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

func (n *SlackNotifier) SendRepetition(ctx context.Context, a embedcheck.RepetitionAlert) error {
	return n.sendSlackMsg(ctx, repetitionBody(a))
}

func repetitionBody(a embedcheck.RepetitionAlert) string {
	msg := "⚠️ Repeated Embed ⚠️\n"
	msg += fmt.Sprintf("`%s` seen %d times (%s)\n", a.Key, a.Count, a.Namespace)
	msg += fmt.Sprintf("latest: `at://%s/%s`\n", a.Repo, a.Path)
	return msg
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return fmt.Errorf("reading slack webhook response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
