package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minion-dev/minion/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Minion API.
type Client struct {
	baseURL    string
	actor      string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL, actor string) *Client {
	return &Client{
		baseURL: baseURL,
		actor:   actor,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

func (c *Client) get(path string, out any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(path string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ListTasks fetches tasks, optionally filtered by status.
func (c *Client) ListTasks(status string) ([]models.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + status
	}
	var tasks []models.Task
	return tasks, c.get(path, &tasks)
}

// ListPendingUpdates fetches updates awaiting approval.
func (c *Client) ListPendingUpdates() ([]models.PendingUpdate, error) {
	var updates []models.PendingUpdate
	return updates, c.get("/updates?status=pending_approval", &updates)
}

type decisionBody struct {
	Actor string `json:"actor"`
}

// Approve approves an update as the client's actor.
func (c *Client) Approve(updateID string) error {
	return c.post("/updates/"+updateID+"/approve", decisionBody{Actor: c.actor}, nil)
}

// Reject rejects an update as the client's actor.
func (c *Client) Reject(updateID string) error {
	return c.post("/updates/"+updateID+"/reject", decisionBody{Actor: c.actor}, nil)
}

// Rollback rolls back an applied update.
func (c *Client) Rollback(updateID string) error {
	return c.post("/updates/"+updateID+"/rollback", decisionBody{Actor: c.actor}, nil)
}
