package jobs

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aceteam-ai/talktime/internal/mail"
	"github.com/aceteam-ai/talktime/internal/store"
	"github.com/aceteam-ai/talktime/internal/worker"
)

var followupHTML = template.Must(template.New("followup").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #1f2937;">
<h2>Your session summary</h2>
<div style="white-space: pre-wrap;">{{.Content}}</div>
<p><a href="{{.Link}}">View it online</a></p>
</body>
</html>`))

// FollowupSaver persists generated summaries. store.FollowupStore
// implements it.
type FollowupSaver interface {
	SaveFollowup(ctx context.Context, f *store.Followup) error
}

// NewFollowupHandler returns the session_followup handler: generate the
// summary, save it, then email it with a link to the saved copy.
//
// Generation and save failures may be retried under the pool's attempt
// limit. Delivery failures are permanent so a retry never sends a second
// email.
func NewFollowupHandler(gen Generator, saver FollowupSaver, sender mail.Sender, logger *zap.Logger) *worker.KindHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return worker.NewKindHandler(KindSessionFollowup, func(ctx context.Context, data map[string]any) (map[string]any, error) {
		payload, err := parseFollowupPayload(data)
		if err != nil {
			return nil, worker.Permanent(fmt.Errorf("invalid payload: %w", err))
		}

		content, err := gen.Generate(ctx, payload.Transcript)
		if err != nil {
			return nil, fmt.Errorf("generation failed: %w", err)
		}

		if err := saver.SaveFollowup(ctx, &store.Followup{
			SessionKey: payload.SessionID,
			Email:      payload.Email,
			Content:    content,
			CreatedAt:  time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("save failed: %w", err)
		}

		link := FollowupLink(payload.HostURL, payload.SessionID)
		var html bytes.Buffer
		if err := followupHTML.Execute(&html, map[string]string{"Content": content, "Link": link}); err != nil {
			return nil, worker.Permanent(err)
		}

		msgID, err := sender.Send(ctx, mail.Message{
			To:      payload.Email,
			Subject: "Your session summary",
			Text:    content + "\n\n" + link,
			HTML:    html.String(),
		})
		if err != nil {
			return nil, worker.Permanent(fmt.Errorf("delivery failed: %w", err))
		}

		logger.Info("session follow-up sent",
			zap.String("session_id", payload.SessionID),
			zap.String("email", payload.Email))
		return map[string]any{"link": link, "message_id": msgID}, nil
	})
}

// FollowupLink is the API URL serving the saved summary of sessionID.
func FollowupLink(hostURL, sessionID string) string {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/followup"
	if hostURL == "" {
		return path
	}
	return strings.TrimRight(hostURL, "/") + path
}
