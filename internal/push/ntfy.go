package push

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const maxTitle = 120

// Ntfy publishes to an ntfy topic. Messages are POSTed as the request body;
// attachments are PUT with Filename and Title headers.
type Ntfy struct {
	Server string
	Topic  string
	Client *http.Client
	Now    func() time.Time
}

func (n *Ntfy) endpoint() string {
	return strings.TrimRight(n.Server, "/") + "/" + n.Topic
}

func (n *Ntfy) Push(ctx context.Context, message string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint(), strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("push: ntfy: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return n.do(req)
}

func (n *Ntfy) Attach(ctx context.Context, title, mime string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, n.endpoint(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("push: ntfy: %w", err)
	}
	req.Header.Set("Content-Type", mime)
	req.Header.Set("Filename", fmt.Sprintf("screenshot-%d.%s", n.Now().UnixMilli(), extension(mime)))
	if title != "" {
		req.Header.Set("Title", clip(title, maxTitle))
	}
	return n.do(req)
}

func (n *Ntfy) do(req *http.Request) error {
	resp, err := n.Client.Do(req)
	if err != nil {
		return &ErrSendFailed{Backend: MethodNtfy, Cause: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return checkStatus(MethodNtfy, resp)
}

func extension(mime string) string {
	if strings.HasSuffix(mime, "/jpeg") || strings.HasSuffix(mime, "/jpg") {
		return "jpg"
	}
	return "png"
}

// clip cuts s to at most n runes.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
