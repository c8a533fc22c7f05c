package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// MaxMediaSize matches the Bot API download limit.
	MaxMediaSize = 20 * 1024 * 1024
)

// MediaRef identifies one downloadable file attached to a message.
type MediaRef struct {
	FileID    string
	Type      string // photo, document
	MessageID int
	FileName  string
}

// Media downloads message attachments into a local directory.
type Media struct {
	api          *tgbotapi.BotAPI
	client       *http.Client
	fileEndpoint string
	dir          string
}

// NewMedia creates a downloader writing below dir.
func NewMedia(api *tgbotapi.BotAPI, client *http.Client, fileEndpoint, dir string) *Media {
	if client == nil {
		client = http.DefaultClient
	}
	return &Media{api: api, client: client, fileEndpoint: fileEndpoint, dir: dir}
}

// mediaRefs returns the largest photo size and the document of msg.
func mediaRefs(msg *tgbotapi.Message) []MediaRef {
	var refs []MediaRef
	if n := len(msg.Photo); n > 0 {
		refs = append(refs, MediaRef{FileID: msg.Photo[n-1].FileID, Type: "photo", MessageID: msg.MessageID})
	}
	if msg.Document != nil {
		refs = append(refs, MediaRef{
			FileID:    msg.Document.FileID,
			Type:      "document",
			MessageID: msg.MessageID,
			FileName:  msg.Document.FileName,
		})
	}
	return refs
}

// Download fetches ref and returns the local path it was written to.
func (m *Media) Download(ctx context.Context, ref MediaRef) (string, error) {
	if m.dir == "" {
		return "", fmt.Errorf("media directory not configured")
	}

	file, err := m.api.GetFile(tgbotapi.FileConfig{FileID: ref.FileID})
	if err != nil {
		return "", fmt.Errorf("failed to get file info: %w", err)
	}
	if file.FileSize > MaxMediaSize {
		return "", fmt.Errorf("file size %d exceeds maximum %d", file.FileSize, MaxMediaSize)
	}

	url := fmt.Sprintf(m.fileEndpoint, m.api.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	name := ref.FileName
	if name == "" {
		name = filepath.Base(file.FilePath)
	}
	dest := filepath.Join(m.dir, fmt.Sprintf("%d_%s_%s", ref.MessageID, ref.Type, filepath.Base(name)))

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(resp.Body, MaxMediaSize)); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return dest, nil
}
