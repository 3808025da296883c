// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package notify delivers NotificationEmitted events to outbound channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/flowarr/internal/events"
)

var sendRetryDelay = time.Second

// Message is one outbound notification.
type Message struct {
	Title string `json:"title"`
	Text  string `json:"text"`
	Image string `json:"image,omitempty"`
}

// Channel is an outbound notification target.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Notifier fans messages out to the configured channels.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
	client   *http.Client
}

func New() *Notifier {
	return &Notifier{client: &http.Client{Timeout: 30 * time.Second}}
}

// Configure replaces the channel set from webhook URLs. Invalid entries are
// logged and skipped.
func (n *Notifier) Configure(urls []string) {
	channels := make([]Channel, 0, len(urls))
	for _, raw := range urls {
		ch, err := ParseChannel(raw, n.client)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring invalid notification channel")
			continue
		}
		channels = append(channels, ch)
	}
	n.SetChannels(channels...)
}

func (n *Notifier) SetChannels(channels ...Channel) {
	n.mu.Lock()
	n.channels = channels
	n.mu.Unlock()
}

func (n *Notifier) Channels() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.channels))
	for _, ch := range n.channels {
		names = append(names, ch.Name())
	}
	return names
}

// Send delivers msg to the named channels, or to every channel when names is
// empty. Channel failures do not stop delivery to the others.
func (n *Notifier) Send(ctx context.Context, names []string, msg Message) error {
	n.mu.RLock()
	targets := make([]Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		if len(names) == 0 || containsFold(names, ch.Name()) {
			targets = append(targets, ch)
		}
	}
	n.mu.RUnlock()

	var errs []error
	for _, ch := range targets {
		err := retry.Do(
			func() error { return ch.Send(ctx, msg) },
			retry.Context(ctx),
			retry.Attempts(3),
			retry.Delay(sendRetryDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			log.Error().Err(err).Str("channel", ch.Name()).Str("title", msg.Title).Msg("Failed to deliver notification")
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers the notifier as an async NotificationEmitted handler.
func (n *Notifier) Subscribe(bus *events.Bus) {
	bus.SubscribeAsync(events.NotificationEmitted, "notify", func(ctx context.Context, ev events.Event) error {
		p, ok := ev.Payload.(events.NotificationPayload)
		if !ok {
			return fmt.Errorf("unexpected notification payload %T", ev.Payload)
		}
		return n.Send(ctx, nil, Message{Title: p.Title, Text: p.Text, Image: p.Image})
	})
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// webhookChannel posts a platform specific body to a URL.
type webhookChannel struct {
	name     string
	endpoint string
	client   *http.Client
	encode   func(msg Message) (contentType string, body []byte, err error)
}

func (c *webhookChannel) Name() string { return c.name }

func (c *webhookChannel) Send(ctx context.Context, msg Message) error {
	contentType, body, err := c.encode(msg)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.Unrecoverable(err)
		}
		return err
	}
	return nil
}

func jsonBody(v any) (string, []byte, error) {
	b, err := json.Marshal(v)
	return "application/json", b, err
}

func joinText(msg Message) string {
	if msg.Title == "" {
		return msg.Text
	}
	if msg.Text == "" {
		return msg.Title
	}
	return msg.Title + "\n" + msg.Text
}

// ParseChannel builds a channel from a URL:
//
//	telegram://<bot token>@<chat id>
//	https://hooks.slack.com/services/...
//	https://qyapi.weixin.qq.com/cgi-bin/webhook/send?key=...
//	https://nas:5001/webapi/entry.cgi?api=SYNO.Chat.External&...
//	any other http(s) URL receives {"title","text","image"}.
func ParseChannel(raw string, client *http.Client) (Channel, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", raw, err)
	}
	if client == nil {
		client = http.DefaultClient
	}

	switch {
	case u.Scheme == "telegram":
		token := u.User.Username()
		if secret, ok := u.User.Password(); ok {
			token += ":" + secret
		}
		chatID := u.Host
		if token == "" || chatID == "" {
			return nil, errors.New("telegram channel needs telegram://<token>@<chat id>")
		}
		return &webhookChannel{
			name:     "telegram",
			endpoint: "https://api.telegram.org/bot" + token + "/sendMessage",
			client:   client,
			encode: func(msg Message) (string, []byte, error) {
				return jsonBody(map[string]any{"chat_id": chatID, "text": joinText(msg)})
			},
		}, nil
	case u.Scheme != "http" && u.Scheme != "https":
		return nil, fmt.Errorf("unsupported channel scheme %q", u.Scheme)
	case u.Host == "hooks.slack.com":
		return &webhookChannel{name: "slack", endpoint: u.String(), client: client, encode: func(msg Message) (string, []byte, error) {
			return jsonBody(map[string]any{"text": joinText(msg)})
		}}, nil
	case u.Host == "qyapi.weixin.qq.com":
		return &webhookChannel{name: "wechat", endpoint: u.String(), client: client, encode: func(msg Message) (string, []byte, error) {
			return jsonBody(map[string]any{"msgtype": "text", "text": map[string]string{"content": joinText(msg)}})
		}}, nil
	case strings.Contains(u.Path, "/webapi/entry.cgi"):
		return &webhookChannel{name: "synologychat", endpoint: u.String(), client: client, encode: func(msg Message) (string, []byte, error) {
			payload, err := json.Marshal(map[string]string{"text": joinText(msg)})
			if err != nil {
				return "", nil, err
			}
			form := url.Values{"payload": {string(payload)}}
			return "application/x-www-form-urlencoded", []byte(form.Encode()), nil
		}}, nil
	default:
		return &webhookChannel{name: "webhook:" + u.Host, endpoint: u.String(), client: client, encode: func(msg Message) (string, []byte, error) {
			return jsonBody(msg)
		}}, nil
	}
}
