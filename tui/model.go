package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/spec-pipeline-orchestrator/internal/pipeline"
	"github.com/hochfrequenz/spec-pipeline-orchestrator/web/api"
)

// Model is the TUI application model
type Model struct {
	client *Client

	// Data
	runs      []pipeline.RunSnapshot
	active    int
	halted    int
	completed int

	// UI state
	width       int
	height      int
	selectedRow int
	fetchErr    string

	lastRefresh time.Time
}

// Client fetches pipeline status from the running server
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a status client for the given server address
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Status fetches the current run overview
func (c *Client) Status() (*api.StatusResponse, error) {
	resp, err := c.http.Get(c.baseURL + "/api/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}
	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// NewModel creates a TUI model polling the given client
func NewModel(client *Client) Model {
	return Model{client: client}
}

// Init starts the refresh loop
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchCmd(), tickCmd())
}

// TickMsg triggers a refresh
type TickMsg time.Time

// StatusMsg carries a fetched status snapshot
type StatusMsg struct {
	Status *api.StatusResponse
	Err    error
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) fetchCmd() tea.Cmd {
	return func() tea.Msg {
		status, err := m.client.Status()
		return StatusMsg{Status: status, Err: err}
	}
}
