package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sandeshapp/sandesh/pkg/messenger"
	"github.com/sandeshapp/sandesh/pkg/wire"
)

// restClient talks to the messaging REST API for the two operations that do
// not ride the realtime socket: history pages and message sends. It
// implements messenger.HistoryFetcher and messenger.Sender.
type restClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newRESTClient(baseURL, token string) *restClient {
	return &restClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type pageResponse struct {
	Messages   []wire.Message `json:"messages"`
	NextCursor string         `json:"next_cursor"`
}

type sendRequest struct {
	Body        string            `json:"body"`
	Attachments []wire.Attachment `json:"attachments,omitempty"`
}

func (r *restClient) conversationURL(key wire.ConversationKey) string {
	return fmt.Sprintf("%s/conversations/%s/%s/messages",
		r.baseURL, url.PathEscape(string(key.Kind)), url.PathEscape(key.ID))
}

// FetchPage loads one history page, newest first. An empty cursor requests
// the most recent page.
func (r *restClient) FetchPage(ctx context.Context, key wire.ConversationKey, cursor string, limit int) (messenger.Page, error) {
	u := r.conversationURL(key) + "?limit=" + strconv.Itoa(limit)
	if cursor != "" {
		u += "&cursor=" + url.QueryEscape(cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return messenger.Page{}, fmt.Errorf("building history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return messenger.Page{}, fmt.Errorf("fetching history for %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return messenger.Page{}, fmt.Errorf("history fetch for %s: server returned %s", key, resp.Status)
	}

	var page pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return messenger.Page{}, fmt.Errorf("decoding history page: %w", err)
	}
	return messenger.Page{Messages: page.Messages, NextCursor: page.NextCursor}, nil
}

// Send delivers one message and returns the server's authoritative copy.
func (r *restClient) Send(ctx context.Context, key wire.ConversationKey, body string, attachments []wire.Attachment) (wire.Message, error) {
	payload, err := json.Marshal(sendRequest{Body: body, Attachments: attachments})
	if err != nil {
		return wire.Message{}, fmt.Errorf("encoding send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.conversationURL(key), bytes.NewReader(payload))
	if err != nil {
		return wire.Message{}, fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return wire.Message{}, fmt.Errorf("sending to %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return wire.Message{}, fmt.Errorf("send to %s rejected: %s: %s", key, resp.Status, bytes.TrimSpace(detail))
	}

	var msg wire.Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return wire.Message{}, fmt.Errorf("decoding send response: %w", err)
	}
	if msg.ID == "" {
		return wire.Message{}, fmt.Errorf("send to %s: response missing message id", key)
	}
	return msg, nil
}
