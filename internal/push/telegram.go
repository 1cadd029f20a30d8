package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Telegram sends through the Bot API: sendMessage for text, sendPhoto for
// attachments.
type Telegram struct {
	API    string
	Token  string
	ChatID string
	Client *http.Client
}

func (t *Telegram) method(name string) string {
	return strings.TrimRight(t.API, "/") + "/bot" + t.Token + "/" + name
}

func (t *Telegram) Push(ctx context.Context, message string) error {
	form := url.Values{"chat_id": {t.ChatID}, "text": {message}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.method("sendMessage"), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("push: telegram: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return t.do(req)
}

func (t *Telegram) Attach(ctx context.Context, title, mime string, data []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("chat_id", t.ChatID)
	if title != "" {
		mw.WriteField("caption", clip(title, maxTitle))
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="photo"; filename="screenshot.`+extension(mime)+`"`)
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("push: telegram: %w", err)
	}
	part.Write(data)
	if err := mw.Close(); err != nil {
		return fmt.Errorf("push: telegram: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.method("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("push: telegram: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return t.do(req)
}

func (t *Telegram) do(req *http.Request) error {
	resp, err := t.Client.Do(req)
	if err != nil {
		// The request URL carries the bot token.
		if ue, ok := err.(*url.Error); ok {
			err = ue.Err
		}
		return &ErrSendFailed{Backend: MethodTelegram, Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return checkStatus(MethodTelegram, resp)
}
