package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// FetchRuns queries a status server at baseURL (for example
// "http://localhost:8090") for its runs.
func FetchRuns(ctx context.Context, client *http.Client, baseURL string) ([]Run, error) {
	var runs []Run
	if err := getJSON(ctx, client, strings.TrimRight(baseURL, "/")+"/api/v1/runs", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// FetchRun queries a status server for a single run.
func FetchRun(ctx context.Context, client *http.Client, baseURL, id string) (Run, error) {
	var run Run
	url := fmt.Sprintf("%s/api/v1/runs/%s/status", strings.TrimRight(baseURL, "/"), id)
	err := getJSON(ctx, client, url, &run)
	return run, err
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query status server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status server returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
