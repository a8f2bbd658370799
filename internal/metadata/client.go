package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
)

// ErrDatasetNotFound is returned when the metadata service has no such dataset
var ErrDatasetNotFound = errors.New("dataset not found in metadata service")

const (
	graphQLPath = "/api/graphql"
	ingestPath  = "/aspects?action=ingestProposal"
	searchPage  = 100
)

const datasetQuery = `query getDataset($urn: String!) {
  dataset(urn: $urn) {
    urn
    tags { tags { tag { urn } } }
    properties { name description customProperties { key value } }
    schemaMetadata { fields { fieldPath globalTags { tags { tag { urn } } } } }
    editableSchemaMetadata { editableSchemaFieldInfo { fieldPath globalTags { tags { tag { urn } } } } }
  }
}`

const searchQuery = `query searchTagged($input: SearchAcrossEntitiesInput!) {
  searchAcrossEntities(input: $input) {
    total
    searchResults { entity { urn type } }
  }
}`

const addTagMutation = `mutation addTag($input: TagAssociationInput!) { addTag(input: $input) }`

const removeTagMutation = `mutation removeTag($input: TagAssociationInput!) { removeTag(input: $input) }`

// Client talks to a DataHub GMS: GraphQL for tags and search, the REST
// ingestProposal endpoint for dataset properties
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *logger.Logger
}

// NewClient creates a client
func NewClient(cfg config.MetadataConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  log.WithComponent("metadata"),
	}
}

type tagList struct {
	Tags []struct {
		Tag struct {
			URN string `json:"urn"`
		} `json:"tag"`
	} `json:"tags"`
}

func (t *tagList) urns() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.Tags))
	for _, tag := range t.Tags {
		out = append(out, tag.Tag.URN)
	}
	return out
}

type fieldDoc struct {
	FieldPath  string   `json:"fieldPath"`
	GlobalTags *tagList `json:"globalTags"`
}

type datasetDoc struct {
	URN        string   `json:"urn"`
	Tags       *tagList `json:"tags"`
	Properties *struct {
		Name             string `json:"name"`
		Description      string `json:"description"`
		CustomProperties []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"customProperties"`
	} `json:"properties"`
	SchemaMetadata *struct {
		Fields []fieldDoc `json:"fields"`
	} `json:"schemaMetadata"`
	EditableSchemaMetadata *struct {
		EditableSchemaFieldInfo []fieldDoc `json:"editableSchemaFieldInfo"`
	} `json:"editableSchemaMetadata"`
}

func (c *Client) dataset(ctx context.Context, urn string) (*datasetDoc, error) {
	var out struct {
		Dataset *datasetDoc `json:"dataset"`
	}
	if err := c.graphql(ctx, datasetQuery, map[string]any{"urn": urn}, &out); err != nil {
		return nil, err
	}
	if out.Dataset == nil {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, urn)
	}
	return out.Dataset, nil
}

// DatasetTags returns the tags on the dataset itself
func (c *Client) DatasetTags(ctx context.Context, urn string) ([]string, error) {
	ds, err := c.dataset(ctx, urn)
	if err != nil {
		return nil, err
	}
	return ds.Tags.urns(), nil
}

// SchemaFields returns every field with the union of its ingested and
// editable tags, in schema order followed by editable-only fields
func (c *Client) SchemaFields(ctx context.Context, urn string) ([]Field, error) {
	ds, err := c.dataset(ctx, urn)
	if err != nil {
		return nil, err
	}
	return mergeFields(ds), nil
}

func mergeFields(ds *datasetDoc) []Field {
	var fields []Field
	index := make(map[string]int)
	add := func(docs []fieldDoc) {
		for _, d := range docs {
			i, ok := index[d.FieldPath]
			if !ok {
				i = len(fields)
				index[d.FieldPath] = i
				fields = append(fields, Field{Path: d.FieldPath})
			}
			for _, tag := range d.GlobalTags.urns() {
				if !fields[i].HasTag(tag) {
					fields[i].Tags = append(fields[i].Tags, tag)
				}
			}
		}
	}
	if ds.SchemaMetadata != nil {
		add(ds.SchemaMetadata.Fields)
	}
	if ds.EditableSchemaMetadata != nil {
		add(ds.EditableSchemaMetadata.EditableSchemaFieldInfo)
	}
	return fields
}

// FieldTags returns the tags on one field
func (c *Client) FieldTags(ctx context.Context, datasetURN, fieldPath string) ([]string, error) {
	fields, err := c.SchemaFields(ctx, datasetURN)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if f.Path == fieldPath {
			return f.Tags, nil
		}
	}
	return nil, nil
}

// AddTag attaches tag to the dataset, or to its field when fieldPath is set
func (c *Client) AddTag(ctx context.Context, datasetURN, fieldPath, tag string) error {
	return c.mutateTag(ctx, addTagMutation, "addTag", datasetURN, fieldPath, tag)
}

// AddFieldTag attaches tag to a field
func (c *Client) AddFieldTag(ctx context.Context, datasetURN, fieldPath, tag string) error {
	return c.AddTag(ctx, datasetURN, fieldPath, tag)
}

// RemoveTag detaches tag from the dataset, or from its field when fieldPath
// is set
func (c *Client) RemoveTag(ctx context.Context, datasetURN, fieldPath, tag string) error {
	return c.mutateTag(ctx, removeTagMutation, "removeTag", datasetURN, fieldPath, tag)
}

func (c *Client) mutateTag(ctx context.Context, mutation, name, datasetURN, fieldPath, tag string) error {
	input := map[string]any{
		"tagUrn":      tag,
		"resourceUrn": datasetURN,
	}
	if fieldPath != "" {
		input["subResourceType"] = "DATASET_FIELD"
		input["subResource"] = fieldPath
	}

	var out map[string]bool
	if err := c.graphql(ctx, mutation, map[string]any{"input": input}, &out); err != nil {
		return fmt.Errorf("%s %s: %w", name, tag, err)
	}
	if !out[name] {
		return fmt.Errorf("%s %s: rejected by metadata service", name, tag)
	}
	return nil
}

// TaggedTargets finds datasets and fields carrying tag
func (c *Client) TaggedTargets(ctx context.Context, tag string) ([]Target, error) {
	var urns []string
	for start := 0; ; start += searchPage {
		var out struct {
			SearchAcrossEntities struct {
				Total         int `json:"total"`
				SearchResults []struct {
					Entity struct {
						URN  string `json:"urn"`
						Type string `json:"type"`
					} `json:"entity"`
				} `json:"searchResults"`
			} `json:"searchAcrossEntities"`
		}
		input := map[string]any{
			"types": []string{"DATASET"},
			"query": "*",
			"start": start,
			"count": searchPage,
			"orFilters": []map[string]any{
				{"and": []map[string]any{{"field": "tags", "values": []string{tag}}}},
				{"and": []map[string]any{{"field": "fieldTags", "values": []string{tag}}}},
				{"and": []map[string]any{{"field": "editedFieldTags", "values": []string{tag}}}},
			},
		}
		if err := c.graphql(ctx, searchQuery, map[string]any{"input": input}, &out); err != nil {
			return nil, fmt.Errorf("search for %s: %w", tag, err)
		}

		page := out.SearchAcrossEntities
		for _, r := range page.SearchResults {
			urns = append(urns, r.Entity.URN)
		}
		if len(page.SearchResults) == 0 || start+searchPage >= page.Total {
			break
		}
	}

	// The search index can lag; confirm against the entity itself
	var targets []Target
	for _, urn := range urns {
		ds, err := c.dataset(ctx, urn)
		if errors.Is(err, ErrDatasetNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, t := range ds.Tags.urns() {
			if t == tag {
				targets = append(targets, Target{DatasetURN: urn})
				break
			}
		}
		for _, f := range mergeFields(ds) {
			if f.HasTag(tag) {
				targets = append(targets, Target{DatasetURN: urn, FieldPath: f.Path})
			}
		}
	}
	return targets, nil
}

// CustomProperties returns the dataset's custom properties
func (c *Client) CustomProperties(ctx context.Context, urn string) (map[string]string, error) {
	ds, err := c.dataset(ctx, urn)
	if err != nil {
		return nil, err
	}
	props := make(map[string]string)
	if ds.Properties != nil {
		for _, p := range ds.Properties.CustomProperties {
			props[p.Key] = p.Value
		}
	}
	return props, nil
}

// UpsertCustomProperties merges props into the dataset's custom properties.
// The datasetProperties aspect is replaced as a whole, so name and
// description are carried over.
func (c *Client) UpsertCustomProperties(ctx context.Context, urn string, props map[string]string) error {
	ds, err := c.dataset(ctx, urn)
	if err != nil {
		return err
	}

	aspect := map[string]any{}
	merged := make(map[string]string)
	if ds.Properties != nil {
		if ds.Properties.Name != "" {
			aspect["name"] = ds.Properties.Name
		}
		if ds.Properties.Description != "" {
			aspect["description"] = ds.Properties.Description
		}
		for _, p := range ds.Properties.CustomProperties {
			merged[p.Key] = p.Value
		}
	}
	for k, v := range props {
		merged[k] = v
	}
	aspect["customProperties"] = merged

	if err := c.upsertAspect(ctx, "dataset", urn, "datasetProperties", aspect); err != nil {
		return fmt.Errorf("failed to write dataset properties: %w", err)
	}
	return nil
}

// EnsureTagDefinition writes the display name and description of a tag
// entity. Upserting an existing definition is a no-op in effect.
func (c *Client) EnsureTagDefinition(ctx context.Context, tagURN, name, description string) error {
	aspect := map[string]any{"name": name}
	if description != "" {
		aspect["description"] = description
	}
	if err := c.upsertAspect(ctx, "tag", tagURN, "tagProperties", aspect); err != nil {
		return fmt.Errorf("failed to define tag %s: %w", tagURN, err)
	}
	return nil
}

// upsertAspect sends one UPSERT metadata change proposal
func (c *Client) upsertAspect(ctx context.Context, entityType, urn, aspectName string, aspect map[string]any) error {
	value, err := json.Marshal(aspect)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", aspectName, err)
	}
	proposal := map[string]any{
		"proposal": map[string]any{
			"entityType": entityType,
			"entityUrn":  urn,
			"changeType": "UPSERT",
			"aspectName": aspectName,
			"aspect": map[string]any{
				"contentType": "application/json",
				"value":       string(value),
			},
		},
	}
	return c.do(ctx, http.MethodPost, ingestPath, proposal, nil)
}

// Health checks that the metadata service answers
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	var resp struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	body := map[string]any{"query": query, "variables": variables}
	if err := c.do(ctx, http.MethodPost, graphQLPath, body, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		gqlErr := &GraphQLError{}
		for _, e := range resp.Errors {
			gqlErr.Messages = append(gqlErr.Messages, e.Message)
		}
		return gqlErr
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("failed to decode graphql data: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.HasPrefix(path, "/aspects") {
		req.Header.Set("X-RestLi-Protocol-Version", "2.0.0")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Metadata request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
