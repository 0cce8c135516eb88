package whatsappevo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gatekit-io/gatekit-server/internal/envelope"
)

// client is a minimal Evolution API client covering the calls the adapter needs. Every request
// authenticates with the instance's API key header.
type client struct {
	base   string
	apiKey string
	http   *http.Client
}

func newClient(baseURL, apiKey string, httpClient *http.Client) *client {
	return &client{base: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: httpClient}
}

// sendResponse is the slice of Evolution's send reply the adapter needs: the provider-assigned
// message id.
type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

func (cl *client) setWebhook(ctx context.Context, callbackURL string, events []string) error {
	payload := map[string]any{
		"webhook": map[string]any{
			"enabled": true,
			"url":     callbackURL,
			"events":  events,
		},
	}
	return cl.post(ctx, "/webhook/set/"+instanceName, payload, nil)
}

func (cl *client) sendText(ctx context.Context, number, text string) (string, error) {
	var out sendResponse
	err := cl.post(ctx, "/message/sendText/"+instanceName, map[string]any{
		"number": number,
		"text":   text,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Key.ID, nil
}

func (cl *client) sendMedia(ctx context.Context, number string, att *envelope.Attachment) (string, error) {
	media := att.URL
	if media == "" {
		media = att.Data
	}
	if media == "" {
		return "", fmt.Errorf("attachment source not provided")
	}

	payload := map[string]any{
		"number":    number,
		"mediatype": mediaType(att.MimeType),
		"media":     media,
	}
	if att.MimeType != "" {
		payload["mimetype"] = att.MimeType
	}
	if att.Caption != "" {
		payload["caption"] = att.Caption
	}
	if att.Filename != "" {
		payload["fileName"] = att.Filename
	}

	var out sendResponse
	if err := cl.post(ctx, "/message/sendMedia/"+instanceName, payload, &out); err != nil {
		return "", err
	}
	return out.Key.ID, nil
}

// mediaType maps a MIME type onto Evolution's four media classes.
func mediaType(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	default:
		return "document"
	}
}

func (cl *client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cl.base+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", cl.apiKey)

	resp, err := cl.http.Do(req)
	if err != nil {
		return fmt.Errorf("evolution api %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("evolution api %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(detail))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
