package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient talks to a running tokenizer's HTTP API
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// get fetches path and returns the body of a 2xx response
func (c *apiClient) get(path string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return body, nil
}

func newStatusCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		dataset   string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run, or recent runs, from a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newAPIClient(serverURL, token)

			path := "/api/v1/runs"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			} else {
				q := url.Values{}
				if dataset != "" {
					q.Set("dataset", dataset)
				}
				q.Set("limit", strconv.Itoa(limit))
				path += "?" + q.Encode()
			}

			body, err := c.get(path)
			if err != nil {
				return err
			}
			var v interface{}
			if err := json.Unmarshal(body, &v); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "tokenizer API base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("TOKENIZER_API_TOKEN"), "bearer token for the API")
	cmd.Flags().StringVar(&dataset, "dataset", "", "only runs of this dataset URN")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func newHealthCheckCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "health-check",
		Short: "Check that a running server is healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newAPIClient(serverURL, "").get("/health"); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Health check passed")
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "tokenizer base URL")
	return cmd
}
