package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tailorcv/backend/internal/status"
)

// resourcePaths maps each stage to its dependent-resource URL segment.
var resourcePaths = map[status.Stage]string{
	status.StageJobParsed:       "parsed",
	status.StageEducations:      "educations",
	status.StageWorkExperiences: "work-experiences",
	status.StageProjects:        "projects",
	status.StageSkills:          "skills",
}

// HTTPFetcher loads derived resources from the per-stage read endpoints.
// It implements status.Fetcher; the scheduler decides when it runs.
type HTTPFetcher struct {
	baseURL string
	token   string
	client  *http.Client

	// OnResource receives each successfully fetched resource. Optional.
	OnResource func(jobID string, stage status.Stage, body json.RawMessage)
}

// NewHTTPFetcher creates a fetcher against baseURL.
func NewHTTPFetcher(baseURL, token string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch GETs the stage's resource. Any non-200 is an error so the scheduler
// retries with backoff; the read is idempotent by contract.
func (f *HTTPFetcher) Fetch(ctx context.Context, jobID string, stage status.Stage) error {
	path, ok := resourcePaths[stage]
	if !ok {
		return fmt.Errorf("no resource endpoint for stage %q", stage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/jobs/%s/%s", f.baseURL, jobID, path), nil)
	if err != nil {
		return err
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fetch %s (%d): %s", path, resp.StatusCode, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if f.OnResource != nil {
		f.OnResource(jobID, stage, body)
	}
	return nil
}
