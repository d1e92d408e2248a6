package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/maheshrc27/relayflow/internal/models"
	"github.com/maheshrc27/relayflow/internal/transfer"
)

var streamQuery = url.Values{
	"tweet.fields": {"author_id,created_at,in_reply_to_user_id,referenced_tweets,attachments"},
	"expansions":   {"author_id,attachments.media_keys"},
	"media.fields": {"url,type,variants,preview_image_url"},
	"user.fields":  {"username,name"},
}

// TwitterStreamAPI talks to the v2 filtered stream with an app bearer token.
type TwitterStreamAPI struct {
	http    *http.Client
	baseURL string
	bearer  string
}

func NewTwitterStreamAPI(httpClient *http.Client, baseURL, bearer string) *TwitterStreamAPI {
	if httpClient == nil {
		// no timeout: the stream stays open indefinitely
		httpClient = &http.Client{}
	}
	if baseURL == "" {
		baseURL = TwitterAPIBaseURL
	}
	return &TwitterStreamAPI{http: httpClient, baseURL: strings.TrimRight(baseURL, "/"), bearer: bearer}
}

func (a *TwitterStreamAPI) Rules(ctx context.Context) ([]transfer.StreamRule, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/2/tweets/search/stream/rules", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.bearer)

	var out transfer.StreamRulesResponse
	if _, err := doJSON(a.http, models.PlatformTwitter, req, &out); err != nil {
		return nil, fmt.Errorf("list stream rules: %w", err)
	}
	return out.Data, nil
}

func (a *TwitterStreamAPI) AddRules(ctx context.Context, rules []transfer.StreamRule) error {
	if len(rules) == 0 {
		return nil
	}
	return a.postRules(ctx, transfer.StreamRulesRequest{Add: rules})
}

func (a *TwitterStreamAPI) DeleteRules(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return a.postRules(ctx, transfer.StreamRulesRequest{Delete: &transfer.StreamRulesDelete{IDs: ids}})
}

func (a *TwitterStreamAPI) postRules(ctx context.Context, payload transfer.StreamRulesRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/2/tweets/search/stream/rules", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.bearer)
	req.Header.Set("Content-Type", "application/json")

	var out transfer.StreamRulesResponse
	if _, err := doJSON(a.http, models.PlatformTwitter, req, &out); err != nil {
		return fmt.Errorf("update stream rules: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("update stream rules: %s", twitterErrorText(out.Errors[0]))
	}
	return nil
}

// Connect opens the stream. The caller owns the returned body.
func (a *TwitterStreamAPI) Connect(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/2/tweets/search/stream?"+streamQuery.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.bearer)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, newPlatformError(models.PlatformTwitter, resp, raw)
	}
	return resp.Body, nil
}
