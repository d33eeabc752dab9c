// Package wechat implements the publish stage for WeChat official accounts.
package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fawad-mazhar/kxcreation/internal/config"
	"github.com/fawad-mazhar/kxcreation/internal/models"
	"github.com/fawad-mazhar/kxcreation/internal/stages"
)

const (
	Platform      = "wechat"
	maxDigestLen  = 120
	tokenLeeway   = time.Minute
	maxReplyBytes = 1 << 20
)

// ErrNotConfigured is returned when no app credentials are set
var ErrNotConfigured = errors.New("wechat not configured: set WECHAT_APP_ID and WECHAT_APP_SECRET")

// APIError is an errcode reply from the WeChat API
type APIError struct {
	Code    int    `json:"errcode"`
	Message string `json:"errmsg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wechat api error %d: %s", e.Code, e.Message)
}

// Publisher uploads drafts to an official account and optionally submits
// them for publication
type Publisher struct {
	cfg       config.WeChatConfig
	client    *http.Client
	formatter *Formatter

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ stages.Publisher = (*Publisher)(nil)

func NewPublisher(cfg config.WeChatConfig, client *http.Client) *Publisher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultWeChatBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Publisher{cfg: cfg, client: client, formatter: NewFormatter()}
}

type article struct {
	Title        string `json:"title"`
	Author       string `json:"author"`
	Digest       string `json:"digest"`
	Content      string `json:"content"`
	ThumbMediaID string `json:"thumb_media_id,omitempty"`
}

func (p *Publisher) Publish(ctx context.Context, draft *models.Draft, params models.PublishParams) (*models.Receipt, error) {
	if params.Platform != "" && params.Platform != Platform {
		return nil, fmt.Errorf("unsupported platform %q", params.Platform)
	}
	if !p.cfg.Configured() {
		return nil, ErrNotConfigured
	}
	if draft == nil || strings.TrimSpace(draft.Content) == "" {
		return nil, errors.New("no draft to publish")
	}

	content, err := p.formatter.Format(draft.Content)
	if err != nil {
		return nil, err
	}

	digest := draft.Summary
	if digest == "" {
		digest = draft.Title
	}
	a := article{
		Title:        draft.Title,
		Author:       params.Author,
		Digest:       truncateRunes(digest, maxDigestLen),
		Content:      content,
		ThumbMediaID: params.ThumbMediaID,
	}

	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var added struct {
		APIError
		MediaID string `json:"media_id"`
	}
	if err := p.post(ctx, "/cgi-bin/draft/add", token, map[string]any{"articles": []article{a}}, &added); err != nil {
		return nil, fmt.Errorf("failed to add draft: %w", err)
	}
	slog.Info("wechat draft added", "media_id", added.MediaID, "title", draft.Title)

	if params.DraftOnly {
		return &models.Receipt{
			Success:  true,
			Platform: Platform,
			DraftID:  added.MediaID,
			Message:  "Article saved as draft successfully",
		}, nil
	}

	var submitted struct {
		APIError
		PublishID json.Number `json:"publish_id"`
	}
	if err := p.post(ctx, "/cgi-bin/freepublish/submit", token, map[string]string{"media_id": added.MediaID}, &submitted); err != nil {
		return nil, fmt.Errorf("failed to submit draft %s: %w", added.MediaID, err)
	}

	return &models.Receipt{
		Success:   true,
		Platform:  Platform,
		ArticleID: submitted.PublishID.String(),
		DraftID:   added.MediaID,
		Message:   "Article published successfully",
	}, nil
}

// accessToken returns the cached token, fetching a new one when it is close to expiry
func (p *Publisher) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.tokenExpiry) {
		return p.token, nil
	}

	q := url.Values{}
	q.Set("grant_type", "client_credential")
	q.Set("appid", p.cfg.AppID)
	q.Set("secret", p.cfg.AppSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/cgi-bin/token?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	var reply struct {
		APIError
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := p.do(req, &reply); err != nil {
		return "", fmt.Errorf("failed to get access token: %w", err)
	}
	if reply.AccessToken == "" {
		return "", errors.New("failed to get access token: empty token")
	}

	p.token = reply.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(reply.ExpiresIn)*time.Second - tokenLeeway)
	return p.token, nil
}

func (p *Publisher) post(ctx context.Context, path, token string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	endpoint := p.cfg.BaseURL + path + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	err = p.do(req, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && tokenRejected(apiErr.Code) {
		p.dropToken(token)
	}
	return err
}

// tokenRejected reports errcodes meaning the access token is invalid or expired
func tokenRejected(code int) bool {
	switch code {
	case 40001, 40014, 42001:
		return true
	}
	return false
}

// dropToken forgets token unless it has already been replaced
func (p *Publisher) dropToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == token {
		p.token = ""
		p.tokenExpiry = time.Time{}
	}
}

// do sends req and decodes the JSON reply into out, which must embed APIError
func (p *Publisher) do(req *http.Request, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	var apiErr APIError
	if err := json.Unmarshal(data, &apiErr); err != nil {
		return fmt.Errorf("invalid reply: %w", err)
	}
	if apiErr.Code != 0 {
		return &apiErr
	}
	return json.Unmarshal(data, out)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
