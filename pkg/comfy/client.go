package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client talks to a ComfyUI style generation backend over HTTP. Polling is
// the only way to observe job progress; every blocking call honors ctx.
type Client struct {
	baseurl  string
	clientid string
	interval time.Duration
	hc       *http.Client
	logger   zerolog.Logger
}

func NewClient(baseurl string, pollinterval time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseurl:  strings.TrimRight(baseurl, "/"),
		clientid: uuid.New().String(),
		interval: pollinterval,
		hc:       &http.Client{},
		logger:   logger,
	}
}

type promptRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientId string          `json:"client_id"`
}

type promptResponse struct {
	PromptId   string          `json:"prompt_id"`
	Error      json.RawMessage `json:"error"`
	NodeErrors json.RawMessage `json:"node_errors"`
}

// SubmitPrompt posts a filled job graph and returns the backend job id.
func (c *Client) SubmitPrompt(ctx context.Context, graph any) (string, error) {
	graphdata, err := json.Marshal(graph)
	if err != nil {
		return "", fmt.Errorf("marshal graph: %w", err)
	}
	body, err := json.Marshal(&promptRequest{Prompt: graphdata, ClientId: c.clientid})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseurl+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respdata, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("submit prompt: %d: %s", resp.StatusCode, string(respdata))
	}
	var pr promptResponse
	if err := json.Unmarshal(respdata, &pr); err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	if pr.PromptId == "" {
		return "", fmt.Errorf("submit prompt: no prompt_id, error=%s node_errors=%s", pr.Error, pr.NodeErrors)
	}
	c.logger.Debug().Str("prompt_id", pr.PromptId).Msg("comfy: prompt submitted")
	return pr.PromptId, nil
}

// CollectOutputs polls the backend history until the job id appears with an
// outputs map, then fetches every listed image. All or nothing: a single
// fetch failure fails the call. No internal iteration bound; the caller
// races ctx against it.
func (c *Client) CollectOutputs(ctx context.Context, promptid string) ([]Artifact, error) {
	for {
		entry, err := c.history(ctx, promptid)
		if err != nil {
			return nil, err
		}
		if entry != nil && entry.Outputs != nil {
			artifacts := []Artifact{}
			for _, nodeoutput := range entry.Outputs {
				for _, ref := range nodeoutput.Images {
					data, err := c.view(ctx, ref)
					if err != nil {
						return nil, err
					}
					artifacts = append(artifacts, Artifact{Filename: ref.Filename, Data: data})
				}
			}
			return artifacts, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.interval):
		}
	}
}

func (c *Client) history(ctx context.Context, promptid string) (*HistoryEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseurl+"/history/"+promptid, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("history: %d", resp.StatusCode)
	}
	history := map[string]*HistoryEntry{}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	// absence means still running, not an error
	return history[promptid], nil
}

func (c *Client) view(ctx context.Context, ref ImageRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	reftype := ref.Type
	if reftype == "" {
		reftype = "output"
	}
	q.Set("type", reftype)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseurl+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("view %s: %d", ref.Filename, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// UploadImage stages image bytes on the backend under the given filename so
// a job graph can reference them by name.
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	formfile, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return err
	}
	if _, err := formfile.Write(data); err != nil {
		return err
	}
	writer.WriteField("overwrite", "true")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseurl+"/upload/image", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respdata, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload %s: %d: %s", filename, resp.StatusCode, string(respdata))
	}
	return nil
}

// Interrupt asks the backend to cancel the currently running job. Best effort.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseurl+"/api/interrupt", strings.NewReader("{}"))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("interrupt: %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) SystemStats(ctx context.Context) (*SystemStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseurl+"/system_stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("system_stats: %d", resp.StatusCode)
	}
	stats := &SystemStats{}
	if err := json.NewDecoder(resp.Body).Decode(stats); err != nil {
		return nil, err
	}
	return stats, nil
}
