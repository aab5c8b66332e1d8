package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
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

const maxMediaBytes = 25 << 20

// CloudAPI adapts the WhatsApp Business Cloud API (Meta Graph) webhooks and
// messaging endpoints.
type CloudAPI struct {
	cfg    config.CloudAPIConfig
	logger *slog.Logger
	client *http.Client
	policy retry.Policy
	now    func() time.Time
}

type CloudAPIOptions struct {
	Config config.CloudAPIConfig
	Client *http.Client
	Retry  retry.Policy
	Logger *slog.Logger
}

func NewCloudAPI(opts CloudAPIOptions) *CloudAPI {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &CloudAPI{
		cfg:    opts.Config,
		logger: opts.Logger,
		client: client,
		policy: opts.Retry,
		now:    time.Now,
	}
}

func (c *CloudAPI) Source() domain.Source { return domain.SourceCloudAPI }

// HandleVerification answers the webhook subscription challenge.
func (c *CloudAPI) HandleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && c.cfg.VerifyToken != "" && token == c.cfg.VerifyToken {
		c.logger.Info("cloud api webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, html.EscapeString(challenge))
		return
	}

	c.logger.Warn("cloud api webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// Authenticate checks X-Hub-Signature-256 when an app secret is configured.
func (c *CloudAPI) Authenticate(r *http.Request, body []byte) error {
	if c.cfg.AppSecret == "" {
		return nil
	}
	if !verifyHMAC(body, c.cfg.AppSecret, r.Header.Get("X-Hub-Signature-256")) {
		return errBadSignature
	}
	return nil
}

// Parse normalizes a Graph webhook body.
func (c *CloudAPI) Parse(body []byte) ([]domain.InboundMessage, error) {
	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if payload.Object == "" && len(payload.Entry) == 0 {
		return nil, fmt.Errorf("%w: missing object and entry", domain.ErrMalformedPayload)
	}
	if payload.Object != "" && payload.Object != "whatsapp_business_account" {
		return nil, domain.ErrNotUserMessage
	}

	var (
		out       []domain.InboundMessage
		malformed int
	)
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, ct := range change.Value.Contacts {
				names[ct.WaID] = ct.Profile.Name
			}
			for _, m := range change.Value.Messages {
				msg, ok := c.normalize(m, names)
				if !ok {
					malformed++
					continue
				}
				out = append(out, msg)
			}
		}
	}

	if len(out) == 0 {
		if malformed > 0 {
			return nil, fmt.Errorf("%w: %d message(s) without id or sender", domain.ErrMalformedPayload, malformed)
		}
		return nil, domain.ErrNotUserMessage
	}
	return out, nil
}

func (c *CloudAPI) normalize(m waMessage, names map[string]string) (domain.InboundMessage, bool) {
	if m.ID == "" || m.From == "" {
		c.logger.Warn("cloud api message missing id or sender", "type", m.Type)
		return domain.InboundMessage{}, false
	}

	msg := domain.InboundMessage{
		ID:         m.ID,
		Source:     domain.SourceCloudAPI,
		SenderID:   m.From,
		ChatID:     m.From,
		SenderName: names[m.From],
		ReceivedAt: parseUnix(m.Timestamp, c.now),
	}

	switch m.Type {
	case "text":
		if m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
			return domain.InboundMessage{}, false
		}
		msg.Kind = domain.KindText
		msg.Body = m.Text.Body
	case "audio", "voice":
		media := m.Audio
		if media == nil {
			media = m.Voice
		}
		if media == nil || media.ID == "" {
			return domain.InboundMessage{}, false
		}
		msg.Kind = domain.KindAudio
		msg.Media = &domain.MediaRef{
			Source:   domain.SourceCloudAPI,
			ID:       media.ID,
			MimeType: baseMime(media.MimeType),
		}
	case "image":
		if m.Image != nil && strings.TrimSpace(m.Image.Caption) != "" {
			msg.Kind = domain.KindText
			msg.Body = imageCaption(m.Image.Caption)
		} else {
			msg.Kind = domain.Kind(m.Type)
		}
	default:
		msg.Kind = domain.Kind(m.Type)
	}
	return msg, true
}

// Fetch resolves a media id to its download URL, then downloads it with the
// access token.
func (c *CloudAPI) Fetch(ctx context.Context, ref domain.MediaRef) ([]byte, string, error) {
	if ref.ID == "" {
		return nil, "", fmt.Errorf("cloud api media ref has no id")
	}

	resp, err := retry.DoHTTP(ctx, c.client, c.policy, c.logger, "cloud api media lookup", func(ctx context.Context) (*http.Request, error) {
		return c.authorized(ctx, http.MethodGet, fmt.Sprintf("%s/%s", c.cfg.APIBase, ref.ID), nil)
	})
	if err != nil {
		return nil, "", err
	}
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	err = json.NewDecoder(resp.Body).Decode(&meta)
	resp.Body.Close()
	if err != nil {
		return nil, "", fmt.Errorf("decode media metadata: %w", err)
	}
	if meta.URL == "" {
		return nil, "", fmt.Errorf("media %s has no url", ref.ID)
	}

	resp, err = retry.DoHTTP(ctx, c.client, c.policy, c.logger, "cloud api media download", func(ctx context.Context) (*http.Request, error) {
		return c.authorized(ctx, http.MethodGet, meta.URL, nil)
	})
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := readLimited(resp.Body, maxMediaBytes)
	if err != nil {
		return nil, "", err
	}

	mime := baseMime(meta.MimeType)
	if mime == "" {
		mime = ref.MimeType
	}
	return data, mime, nil
}

// Send posts a text message. It makes exactly one attempt.
func (c *CloudAPI) Send(ctx context.Context, to string, text string) error {
	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": text},
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	req, err := c.authorized(ctx, http.MethodPost, fmt.Sprintf("%s/%s/messages", c.cfg.APIBase, c.cfg.PhoneNumberID), body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

func (c *CloudAPI) authorized(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	return req, nil
}

func parseUnix(ts string, now func() time.Time) time.Time {
	if n, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64); err == nil && n > 0 {
		return time.Unix(n, 0).UTC()
	}
	return now().UTC()
}

// baseMime drops parameters: "audio/ogg; codecs=opus" -> "audio/ogg".
func baseMime(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.TrimSpace(m)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read media: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, retry.Permanent(fmt.Errorf("media exceeds %d bytes", limit))
	}
	return data, nil
}

// --- Graph webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
	Statuses         []waStatus  `json:"statuses"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type waMessage struct {
	From      string   `json:"from"`
	ID        string   `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Text      *waText  `json:"text,omitempty"`
	Audio     *waMedia `json:"audio,omitempty"`
	Voice     *waMedia `json:"voice,omitempty"`
	Image     *waMedia `json:"image,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}
