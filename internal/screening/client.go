package screening

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kelsos/screening-sync/internal/client"
	apperrors "github.com/kelsos/screening-sync/internal/errors"
	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/models"
)

// Client is the transport for the remote screening job service
type Client struct {
	api *client.APIClient
	log *logger.Logger
}

// NewClient creates a task client over the given API client
func NewClient(api *client.APIClient) *Client {
	return &Client{
		api: api,
		log: logger.With("task-client"),
	}
}

func taskEndpoint(taskID string) string {
	return fmt.Sprintf("/screen/task/%s", url.PathEscape(taskID))
}

// Submit creates a new screening task. 4xx responses are validation errors.
func (c *Client) Submit(ctx context.Context, criteria json.RawMessage) (*models.SubmitResponse, error) {
	var response models.SubmitResponse
	if err := c.api.Post(ctx, "/screen", criteria, &response); err != nil {
		var httpErr *client.HTTPError
		if errors.As(err, &httpErr) && httpErr.IsClientError() {
			return nil, apperrors.Validation("submit", httpErr.Detail, err)
		}
		return nil, apperrors.Transport("submit", err)
	}

	if response.TaskID == "" {
		return nil, apperrors.Transport("submit", fmt.Errorf("service returned no task id"))
	}

	c.log.Info("Submitted screening task %s (%s)", response.TaskID, response.Status)
	return &response, nil
}

// Status fetches the current state of a task. A 404 means the task expired.
func (c *Client) Status(ctx context.Context, taskID string) (*models.TaskStatusResponse, error) {
	var response models.TaskStatusResponse
	if err := c.api.Get(ctx, taskEndpoint(taskID), &response); err != nil {
		if client.StatusCode(err) == http.StatusNotFound {
			return nil, apperrors.TaskNotFound(taskID, err)
		}
		return nil, apperrors.Transport("status", err)
	}

	if response.TaskID == "" {
		response.TaskID = taskID
	}
	return &response, nil
}

// Cancel asks the service to stop a task
func (c *Client) Cancel(ctx context.Context, taskID string) (*models.CancelResponse, error) {
	var response models.CancelResponse
	if err := c.api.Post(ctx, taskEndpoint(taskID)+"/cancel", nil, &response); err != nil {
		if client.StatusCode(err) == http.StatusNotFound {
			return nil, apperrors.TaskNotFound(taskID, err)
		}
		return nil, apperrors.Transport("cancel", err)
	}

	if response.Status == "" {
		response.Status = models.TaskStatusCancelled
	}
	return &response, nil
}

// Active returns the task currently running for this client, if any
func (c *Client) Active(ctx context.Context) (*models.ActiveTaskResponse, error) {
	var response models.ActiveTaskResponse
	if err := c.api.Get(ctx, "/screen/active", &response); err != nil {
		return nil, apperrors.Transport("active", err)
	}

	if response.Active && response.Task == nil {
		response.Active = false
	}
	return &response, nil
}

// Strategies lists the criteria presets offered by the service
func (c *Client) Strategies(ctx context.Context) ([]models.Strategy, error) {
	var response models.StrategiesResponse
	if err := c.api.Get(ctx, "/screen/strategies", &response); err != nil {
		return nil, apperrors.Transport("strategies", err)
	}
	return response.Strategies, nil
}
