// Package telegram stores chunks as documents in a Telegram chat through the
// Bot API. Each chunk becomes one message; the reference keeps both the
// message id (for deletes) and the file id (for downloads).
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/transport"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// Config is the JSON channel config for Telegram channels.
type Config struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
	APIURL string `json:"api_url"`
	// Timeout bounds a single Bot API request, in seconds.
	Timeout int `json:"timeout"`
}

// Transport implements transport.Transport on top of the Bot API.
type Transport struct {
	token  string
	chatID string
	apiURL string
	client *http.Client
}

// New creates a Telegram channel transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("token and chat_id are required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	timeout := 60 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	return &Transport{
		token:  cfg.Token,
		chatID: cfg.ChatID,
		apiURL: strings.TrimRight(cfg.APIURL, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

// NewFromJSON creates a Transport from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Transport, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse telegram config: %w", err)
	}
	return New(cfg)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type message struct {
	MessageID int64 `json:"message_id"`
	Document  *struct {
		FileID string `json:"file_id"`
	} `json:"document"`
}

type fileInfo struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

// Upload sends data as a document and returns "messageID:fileID".
func (t *Transport) Upload(ctx context.Context, key string, data []byte) (string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", t.chatID); err != nil {
		return "", transport.NewPermanent("upload", err)
	}
	part, err := w.CreateFormFile("document", strings.ReplaceAll(key, "/", "_"))
	if err != nil {
		return "", transport.NewPermanent("upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", transport.NewPermanent("upload", err)
	}
	if err := w.Close(); err != nil {
		return "", transport.NewPermanent("upload", err)
	}

	var msg message
	if err := t.call(ctx, "upload", "sendDocument", w.FormDataContentType(), &body, &msg); err != nil {
		return "", err
	}
	if msg.Document == nil || msg.Document.FileID == "" {
		return "", transport.NewPermanent("upload", errors.New("sendDocument returned no document"))
	}
	return strconv.FormatInt(msg.MessageID, 10) + ":" + msg.Document.FileID, nil
}

// Download resolves the file path with getFile and fetches the content.
func (t *Transport) Download(ctx context.Context, ref string) ([]byte, error) {
	_, fileID, err := parseRef(ref)
	if err != nil {
		return nil, transport.NewPermanent("download", err)
	}

	form := url.Values{"file_id": {fileID}}
	var info fileInfo
	if err := t.call(ctx, "download", "getFile", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()), &info); err != nil {
		return nil, err
	}
	if info.FilePath == "" {
		return nil, transport.NewPermanent("download", fmt.Errorf("%w: no file path for %s", transport.ErrNotFound, fileID))
	}

	fileURL := fmt.Sprintf("%s/file/bot%s/%s", t.apiURL, t.token, info.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, transport.NewPermanent("download", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, transport.Classify("download", redact(err, t.token))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("download", resp.StatusCode, 0,
			fmt.Errorf("file download: %s", resp.Status))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transport.Classify("download", err)
	}
	return data, nil
}

// Delete removes the message carrying the chunk. A message that is already
// gone counts as deleted.
func (t *Transport) Delete(ctx context.Context, ref string) error {
	messageID, _, err := parseRef(ref)
	if err != nil {
		return transport.NewPermanent("delete", err)
	}

	form := url.Values{"chat_id": {t.chatID}, "message_id": {strconv.FormatInt(messageID, 10)}}
	var ok bool
	err = t.call(ctx, "delete", "deleteMessage", "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()), &ok)
	if errors.Is(err, transport.ErrNotFound) {
		logging.Debug("telegram message already gone", zap.Int64("message_id", messageID))
		return nil
	}
	return err
}

// Kind returns "telegram".
func (t *Transport) Kind() string { return "telegram" }

// Close releases idle connections.
func (t *Transport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *Transport) call(ctx context.Context, op, method, contentType string, body io.Reader, out any) error {
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.apiURL, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return transport.NewPermanent(op, redact(err, t.token))
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return transport.Classify(op, redact(err, t.token))
	}
	defer resp.Body.Close()

	var ar apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return transport.NewTransient(op, fmt.Errorf("%s: %s", method, resp.Status))
		}
		return transport.NewPermanent(op, fmt.Errorf("%s: decode response: %w", method, err))
	}
	if !ar.OK {
		status := ar.ErrorCode
		if status == 0 {
			status = resp.StatusCode
		}
		var retryAfter time.Duration
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			retryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		apiErr := fmt.Errorf("%s: %d %s", method, status, ar.Description)
		if status == http.StatusBadRequest && strings.Contains(ar.Description, "not found") {
			status = http.StatusNotFound
		}
		return classifyStatus(op, status, retryAfter, apiErr)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(ar.Result, out); err != nil {
		return transport.NewPermanent(op, fmt.Errorf("%s: decode result: %w", method, err))
	}
	return nil
}

func classifyStatus(op string, status int, retryAfter time.Duration, err error) error {
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return &transport.Error{Op: op, Kind: transport.Transient, RetryAfter: retryAfter, Err: err}
	case status == http.StatusNotFound:
		return transport.NewPermanent(op, fmt.Errorf("%w: %w", transport.ErrNotFound, err))
	default:
		return transport.NewPermanent(op, err)
	}
}

func parseRef(ref string) (int64, string, error) {
	msg, fileID, ok := strings.Cut(ref, ":")
	if !ok || fileID == "" {
		return 0, "", fmt.Errorf("malformed telegram reference %q", ref)
	}
	id, err := strconv.ParseInt(msg, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed telegram reference %q: %w", ref, err)
	}
	return id, fileID, nil
}

// redact keeps the bot token out of logged url errors.
func redact(err error, token string) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: strings.ReplaceAll(ue.URL, token, "<token>"), Err: ue.Err}
	}
	return err
}
