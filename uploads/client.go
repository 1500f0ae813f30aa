package uploads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/researchcopilot/chatlink-go-sdk/wire"
)

// Client talks to the file upload/download HTTP endpoints. The messaging
// core treats these as opaque calls; only the returned attachment descriptor
// matters.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a file transfer client. token is the bearer access token
// shared with the accounts service.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  slog.Default(),
	}
}

// SetToken swaps the bearer token after a refresh.
func (c *Client) SetToken(token string) { c.token = token }

// progressReader reports consumed bytes as a percentage of the declared
// size. The transport may re-read buffered chunks, so percentages can arrive
// out of order downstream; clamping is the tracker's job.
type progressReader struct {
	r          io.Reader
	total      int64
	read       int64
	onProgress func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.onProgress != nil && p.total > 0 {
		p.read += int64(n)
		pct := int(p.read * 100 / p.total)
		if pct > 100 {
			pct = 100
		}
		p.onProgress(pct)
	}
	return n, err
}

type uploadEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// UploadFile streams the file as multipart form data and returns the
// attachment descriptor assigned by the server. onProgress receives
// percentages in [0,100] as the body is consumed.
func (c *Client) UploadFile(ctx context.Context, r io.Reader, filename string, size int64, onProgress func(int)) (*wire.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finish form: %w", err)
	}

	body := &progressReader{r: &buf, total: int64(buf.Len()), onProgress: onProgress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files/upload/", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.ContentLength = body.total

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload: server returned %d: %s", resp.StatusCode, string(b))
	}

	var env uploadEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("upload: decode response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("upload: %s", env.Error)
	}
	var att wire.Attachment
	if err := json.Unmarshal(env.Data, &att); err != nil {
		return nil, fmt.Errorf("upload: decode attachment: %w", err)
	}
	if onProgress != nil {
		onProgress(100)
	}
	return &att, nil
}

// DownloadFile fetches a stored file by its server path.
func (c *Client) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("download: server returned %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}
