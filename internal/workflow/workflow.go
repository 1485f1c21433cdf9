// Package workflow dispatches the collector workflow on GitHub Actions and
// reports the state of its latest run.
package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotConfigured is returned when no API token is available.
var ErrNotConfigured = errors.New("GitHub token not configured")

type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusUnknown    Status = "unknown"
)

// Active reports whether the run has not finished yet.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusInProgress
}

// normalizeStatus folds GitHub's pre-start states into queued.
func normalizeStatus(raw string) Status {
	switch raw {
	case "queued", "requested", "waiting", "pending":
		return StatusQueued
	case "in_progress":
		return StatusInProgress
	case "completed":
		return StatusCompleted
	default:
		return StatusUnknown
	}
}

type Conclusion string

const (
	ConclusionSuccess        Conclusion = "success"
	ConclusionFailure        Conclusion = "failure"
	ConclusionNeutral        Conclusion = "neutral"
	ConclusionCancelled      Conclusion = "cancelled"
	ConclusionTimedOut       Conclusion = "timed_out"
	ConclusionActionRequired Conclusion = "action_required"
)

// Run is the state of one workflow run. Conclusion is nil until the run
// completes.
type Run struct {
	ID         int64       `json:"-"`
	Status     Status      `json:"status"`
	Conclusion *Conclusion `json:"conclusion"`
	URL        string      `json:"url,omitempty"`
	CreatedAt  time.Time   `json:"-"`
}

func (r Run) String() string {
	if r.Conclusion != nil {
		return string(r.Status) + "/" + string(*r.Conclusion)
	}
	return string(r.Status)
}

// APIError is a non-success answer from the GitHub API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("GitHub API error: %d", e.StatusCode)
}

type Options struct {
	APIURL  string
	Owner   string
	Repo    string
	File    string
	Ref     string
	Token   string
	PerPage int
}

// Client talks to the Actions API for one workflow file.
type Client struct {
	opts   Options
	client *http.Client
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *Client {
	if opts.APIURL == "" {
		opts.APIURL = "https://api.github.com"
	}
	opts.APIURL = strings.TrimRight(opts.APIURL, "/")
	if opts.Ref == "" {
		opts.Ref = "main"
	}
	if opts.PerPage <= 0 {
		opts.PerPage = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// IsConfigured returns whether the token is available.
func (c *Client) IsConfigured() bool {
	return c.opts.Token != ""
}

func (c *Client) workflowURL(suffix string) string {
	return fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/%s",
		c.opts.APIURL,
		url.PathEscape(c.opts.Owner),
		url.PathEscape(c.opts.Repo),
		url.PathEscape(c.opts.File),
		suffix)
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// Trigger dispatches the workflow on the configured ref. GitHub answers a
// successful dispatch with 204 No Content.
func (c *Client) Trigger(ctx context.Context) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]string{"ref": c.opts.Ref})
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, c.workflowURL("dispatches"), bytes.NewReader(payload))
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatching workflow: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		c.logger.Info("workflow dispatched", zap.String("workflow", c.opts.File), zap.String("ref", c.opts.Ref))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	c.logger.Error("workflow dispatch rejected",
		zap.Int("status", resp.StatusCode),
		zap.String("body", string(body)))
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}

// Status returns the run the dashboard should show: the newest active run
// if any, else the newest run. With no runs the status is unknown.
func (c *Client) Status(ctx context.Context) (*Run, error) {
	runs, err := c.listRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return &Run{Status: StatusUnknown}, nil
	}
	return pickRun(runs), nil
}

// listRuns returns the newest runs of the workflow, newest first.
func (c *Client) listRuns(ctx context.Context) ([]Run, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	target := c.workflowURL("runs") + "?per_page=" + strconv.Itoa(c.opts.PerPage)
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing workflow runs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var result struct {
		WorkflowRuns []struct {
			ID         int64     `json:"id"`
			Status     string    `json:"status"`
			Conclusion *string   `json:"conclusion"`
			HTMLURL    string    `json:"html_url"`
			CreatedAt  time.Time `json:"created_at"`
		} `json:"workflow_runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding workflow runs: %w", err)
	}

	runs := make([]Run, 0, len(result.WorkflowRuns))
	for _, r := range result.WorkflowRuns {
		run := Run{ID: r.ID, Status: normalizeStatus(r.Status), URL: r.HTMLURL, CreatedAt: r.CreatedAt}
		if r.Conclusion != nil && *r.Conclusion != "" && run.Status == StatusCompleted {
			cc := Conclusion(*r.Conclusion)
			run.Conclusion = &cc
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// pickRun prefers the first active run over newer-listed completed ones.
func pickRun(runs []Run) *Run {
	for i := range runs {
		if runs[i].Status.Active() {
			return &runs[i]
		}
	}
	return &runs[0]
}

// clockSkew widens the since cutoff: created_at has second precision and
// comes from GitHub's clock, not ours.
const clockSkew = 5 * time.Second

// key identifies a run across polls.
func (r Run) key() string {
	if r.ID != 0 {
		return strconv.FormatInt(r.ID, 10)
	}
	return r.URL
}

// Wait polls the workflow's runs until the triggered run has completed,
// calling onChange whenever its state changes. The triggered run is the
// newest one that is active or was created at or after since; once found
// it is followed by identity, whatever its timestamp.
func (c *Client) Wait(ctx context.Context, since time.Time, interval time.Duration, onChange func(Run)) (*Run, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cutoff := since.Add(-clockSkew)
	var tracked, last string
	for {
		runs, err := c.listRuns(ctx)
		if err != nil {
			return nil, err
		}
		if tracked == "" {
			for _, r := range runs {
				if r.key() != "" && (r.Status.Active() || !r.CreatedAt.Before(cutoff)) {
					tracked = r.key()
					break
				}
			}
		}
		for i := range runs {
			run := &runs[i]
			if tracked == "" || run.key() != tracked {
				continue
			}
			if s := run.String(); s != last {
				last = s
				if onChange != nil {
					onChange(*run)
				}
			}
			if run.Status == StatusCompleted {
				return run, nil
			}
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
