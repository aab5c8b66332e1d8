package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wanote/internal/config"
	"wanote/internal/domain"
	"wanote/internal/retry"
)

// Bridge adapts a self-hosted WPPConnect gateway. It accepts both the
// nested {"event","data"} webhook shape and the older flat {"wook",...} one.
type Bridge struct {
	cfg    config.BridgeConfig
	logger *slog.Logger
	client *http.Client
	policy retry.Policy
	now    func() time.Time
}

type BridgeOptions struct {
	Config config.BridgeConfig
	Client *http.Client
	Retry  retry.Policy
	Logger *slog.Logger
}

func NewBridge(opts BridgeOptions) *Bridge {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bridge{
		cfg:    opts.Config,
		logger: opts.Logger,
		client: client,
		policy: opts.Retry,
		now:    time.Now,
	}
}

func (b *Bridge) Source() domain.Source { return domain.SourceBridge }

// Authenticate checks X-Signature-256 when a shared secret is configured.
func (b *Bridge) Authenticate(r *http.Request, body []byte) error {
	if b.cfg.Secret == "" {
		return nil
	}
	if !verifyHMAC(body, b.cfg.Secret, r.Header.Get("X-Signature-256")) {
		return errBadSignature
	}
	return nil
}

// Parse normalizes a WPPConnect webhook body into at most one message.
func (b *Bridge) Parse(body []byte) ([]domain.InboundMessage, error) {
	var env struct {
		Event   string          `json:"event"`
		Wook    string          `json:"wook"`
		Session string          `json:"session"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}

	raw := body
	event := env.Wook
	if event == "" {
		event = env.Event
	}
	if len(env.Data) > 0 && env.Data[0] == '{' {
		raw = env.Data
		event = env.Event
	}
	if !isMessageEvent(event) {
		b.logger.Debug("bridge event ignored", "event", event)
		return nil, domain.ErrNotUserMessage
	}

	var m wppMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if m.FromMe {
		return nil, domain.ErrNotUserMessage
	}

	msg, err := b.normalize(m)
	if err != nil {
		return nil, err
	}
	return []domain.InboundMessage{msg}, nil
}

func isMessageEvent(event string) bool {
	switch event {
	case "message", "onMessage", "onmessage":
		return true
	}
	return false
}

func (b *Bridge) normalize(m wppMessage) (domain.InboundMessage, error) {
	if m.From == "" {
		return domain.InboundMessage{}, fmt.Errorf("%w: no sender", domain.ErrMalformedPayload)
	}
	id := m.ID.String()
	if id == "" {
		return domain.InboundMessage{}, fmt.Errorf("%w: no message id", domain.ErrMalformedPayload)
	}

	msg := domain.InboundMessage{
		ID:         id,
		Source:     domain.SourceBridge,
		SenderID:   jidUser(m.From),
		ChatID:     m.From,
		SenderName: firstNonEmpty(m.Sender.PushName, m.Sender.Name, m.NotifyName),
		ReceivedAt: b.timestamp(m),
	}

	if isGroupJID(m.From) || m.IsGroupMsg {
		msg.IsGroup = true
		participant := firstNonEmpty(m.Author, m.Participant, m.Sender.ID)
		if participant != "" {
			msg.SenderID = jidUser(participant)
		}
		msg.GroupName = firstNonEmpty(m.Chat.Name, m.NotifyName, "Group")
	}

	switch m.Type {
	case "ptt", "audio":
		ref := &domain.MediaRef{
			Source:   domain.SourceBridge,
			URL:      firstNonEmpty(m.MediaURL, m.Media),
			MimeType: baseMime(firstNonEmpty(m.MimeType, "audio/ogg")),
		}
		if ref.URL == "" && looksBase64(m.Body) {
			ref.Inline = m.Body
		}
		if ref.URL == "" && ref.Inline == "" {
			return domain.InboundMessage{}, fmt.Errorf("%w: voice message %s without media", domain.ErrMalformedPayload, id)
		}
		msg.Kind = domain.KindAudio
		msg.Media = ref
	case "chat", "text", "":
		text := firstNonEmpty(m.Body, m.Content)
		if strings.TrimSpace(text) == "" {
			return domain.InboundMessage{}, fmt.Errorf("%w: empty text message %s", domain.ErrMalformedPayload, id)
		}
		msg.Kind = domain.KindText
		msg.Body = text
	case "image":
		if strings.TrimSpace(m.Caption) != "" {
			msg.Kind = domain.KindText
			msg.Body = imageCaption(m.Caption)
		} else {
			msg.Kind = domain.Kind(m.Type)
		}
	default:
		msg.Kind = domain.Kind(m.Type)
	}
	return msg, nil
}

func (b *Bridge) timestamp(m wppMessage) time.Time {
	for _, v := range []wppUnix{m.Timestamp, m.T} {
		if v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
	}
	return b.now().UTC()
}

// Fetch decodes inline audio or downloads it from the bridge.
func (b *Bridge) Fetch(ctx context.Context, ref domain.MediaRef) ([]byte, string, error) {
	if ref.Inline != "" {
		data, err := decodeInline(ref.Inline)
		if err != nil {
			return nil, "", retry.Permanent(fmt.Errorf("decode inline media: %w", err))
		}
		return data, ref.MimeType, nil
	}
	if ref.URL == "" {
		return nil, "", retry.Permanent(fmt.Errorf("bridge media ref has no url"))
	}

	resp, err := retry.DoHTTP(ctx, b.client, b.policy, b.logger, "bridge media download", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.resolveURL(ref.URL), nil)
		if err != nil {
			return nil, err
		}
		b.authorize(req)
		return req, nil
	})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, maxMediaBytes)
	if err != nil {
		return nil, "", err
	}
	mime := ref.MimeType
	if mime == "" {
		mime = baseMime(resp.Header.Get("Content-Type"))
	}
	return data, mime, nil
}

// Send delivers text to a contact or group. It makes exactly one attempt.
func (b *Bridge) Send(ctx context.Context, chatID string, text string) error {
	path := "/send-message"
	payload := map[string]string{"phone": jidUser(chatID), "message": text}
	if isGroupJID(chatID) {
		path = "/send-group-message"
		payload = map[string]string{"groupId": chatID, "message": text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if resp.StatusCode == http.StatusServiceUnavailable {
			b.logger.Error("bridge not connected to whatsapp")
		}
		return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(respBody, &result) == nil && result.Status != "" && result.Status != "success" {
		return fmt.Errorf("bridge rejected message: status %q", result.Status)
	}
	return nil
}

// BridgeStatus is the session state reported by the bridge.
type BridgeStatus struct {
	Connected bool           `json:"connected"`
	Raw       map[string]any `json:"raw,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Status queries the bridge's /status endpoint. Failures are reported in
// the result rather than returned.
func (b *Bridge) Status(ctx context.Context) BridgeStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(b.cfg.BaseURL, "/")+"/status", nil)
	if err != nil {
		return BridgeStatus{Error: err.Error()}
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return BridgeStatus{Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return BridgeStatus{Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, body)}
	}
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return BridgeStatus{Error: err.Error()}
	}
	connected, _ := raw["connected"].(bool)
	if s, ok := raw["status"].(string); ok && (s == "CONNECTED" || s == "inChat" || s == "isLogged") {
		connected = true
	}
	return BridgeStatus{Connected: connected, Raw: raw}
}

func (b *Bridge) authorize(req *http.Request) {
	if b.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	}
}

func (b *Bridge) resolveURL(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return strings.TrimRight(b.cfg.BaseURL, "/") + "/" + strings.TrimLeft(u, "/")
}

func decodeInline(s string) ([]byte, error) {
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	return base64.StdEncoding.DecodeString(s)
}

// looksBase64 reports whether a ptt body carries the audio itself. Short
// bodies are captions or placeholders.
func looksBase64(s string) bool {
	if strings.HasPrefix(s, "data:") {
		return true
	}
	if len(s) < 64 || len(s)%4 != 0 {
		return false
	}
	for _, r := range s {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '+' || r == '/' || r == '=') {
			return false
		}
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// --- WPPConnect payload types ---

type wppMessage struct {
	ID          wppID   `json:"id"`
	From        string  `json:"from"`
	To          string  `json:"to"`
	Author      string  `json:"author"`
	Participant string  `json:"participant"`
	Type        string  `json:"type"`
	Body        string  `json:"body"`
	Content     string  `json:"content"`
	Caption     string  `json:"caption"`
	MimeType    string  `json:"mimetype"`
	MediaURL    string  `json:"mediaUrl"`
	Media       string  `json:"media"`
	IsGroupMsg  bool    `json:"isGroupMsg"`
	FromMe      bool    `json:"fromMe"`
	NotifyName  string  `json:"notifyName"`
	Timestamp   wppUnix `json:"timestamp"`
	T           wppUnix `json:"t"`
	Sender      struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		PushName string `json:"pushname"`
	} `json:"sender"`
	Chat struct {
		Name string `json:"name"`
	} `json:"chat"`
}

// wppID accepts both "id":"..." and "id":{"_serialized":"..."}.
type wppID string

func (id *wppID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = wppID(s)
	case '{':
		var obj struct {
			Serialized string `json:"_serialized"`
			ID         string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*id = wppID(firstNonEmpty(obj.Serialized, obj.ID))
	default:
		*id = wppID(data)
	}
	return nil
}

func (id wppID) String() string { return string(id) }

// wppUnix accepts unix seconds as a number or a numeric string; anything
// else decodes to zero.
type wppUnix int64

func (u *wppUnix) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if f, ferr := strconv.ParseFloat(s, 64); ferr == nil {
			n = int64(f)
		}
	}
	*u = wppUnix(n)
	return nil
}
