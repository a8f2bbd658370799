package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/pii-tokenizer/internal/config"
	"github.com/raaihank/pii-tokenizer/internal/logger"
)

const customersURN = "urn:li:dataset:(urn:li:dataPlatform:postgres,sandbox.t001.customers,PROD)"

const customersDoc = `{
  "urn": "` + customersURN + `",
  "tags": {"tags": [{"tag": {"urn": "urn:li:tag:tokenize-now"}}]},
  "properties": {"name": "customers", "description": "CRM export", "customProperties": [{"key": "owner", "value": "crm"}]},
  "schemaMetadata": {"fields": [
    {"fieldPath": "id", "globalTags": null},
    {"fieldPath": "email", "globalTags": {"tags": [{"tag": {"urn": "urn:li:tag:pii-email"}}]}}
  ]},
  "editableSchemaMetadata": {"editableSchemaFieldInfo": [
    {"fieldPath": "email", "globalTags": {"tags": [{"tag": {"urn": "urn:li:tag:pii-email"}}, {"tag": {"urn": "urn:li:tag:tokenize-now"}}]}},
    {"fieldPath": "phone", "globalTags": {"tags": [{"tag": {"urn": "urn:li:tag:pii-phone"}}]}}
  ]}
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type fakeGMS struct {
	mu        sync.Mutex
	mutations []map[string]any
	proposals []map[string]any
	auth      []string
}

func (f *fakeGMS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	f.mu.Unlock()

	switch {
	case r.URL.Path == "/aspects" && r.URL.Query().Get("action") == "ingestProposal":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.proposals = append(f.proposals, body)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		return
	case r.URL.Path != "/api/graphql":
		http.NotFound(w, r)
		return
	}

	var req graphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.Contains(req.Query, "getDataset"):
		if req.Variables["urn"] != customersURN {
			_, _ = w.Write([]byte(`{"data":{"dataset":null}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"dataset":` + customersDoc + `}}`))
	case strings.Contains(req.Query, "searchAcrossEntities"):
		input := req.Variables["input"].(map[string]any)
		if input["start"].(float64) > 0 {
			_, _ = w.Write([]byte(`{"data":{"searchAcrossEntities":{"total":101,"searchResults":[{"entity":{"urn":"urn:li:dataset:(urn:li:dataPlatform:postgres,gone.t,PROD)","type":"DATASET"}}]}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"searchAcrossEntities":{"total":101,"searchResults":[{"entity":{"urn":"` + customersURN + `","type":"DATASET"}}]}}}`))
	case strings.Contains(req.Query, "addTag"), strings.Contains(req.Query, "removeTag"):
		input := req.Variables["input"].(map[string]any)
		f.mu.Lock()
		f.mutations = append(f.mutations, input)
		f.mu.Unlock()
		if input["tagUrn"] == "urn:li:tag:forbidden" {
			_, _ = w.Write([]byte(`{"errors":[{"message":"Unauthorized to perform this action"}]}`))
			return
		}
		name := "addTag"
		if strings.Contains(req.Query, "removeTag") {
			name = "removeTag"
		}
		_, _ = w.Write([]byte(`{"data":{"` + name + `":true}}`))
	default:
		http.Error(w, "unexpected query", http.StatusBadRequest)
	}
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.MetadataConfig{URL: srv.URL + "/", Token: "secret"}, logger.NewNop())
}

func TestSchemaFields(t *testing.T) {
	gms := &fakeGMS{}
	c := newTestClient(t, gms)

	fields, err := c.SchemaFields(context.Background(), customersURN)
	require.NoError(t, err)
	assert.Equal(t, []Field{
		{Path: "id"},
		{Path: "email", Tags: []string{"urn:li:tag:pii-email", "urn:li:tag:tokenize-now"}},
		{Path: "phone", Tags: []string{"urn:li:tag:pii-phone"}},
	}, fields)

	tags, err := c.FieldTags(context.Background(), customersURN, "phone")
	require.NoError(t, err)
	assert.Equal(t, []string{"urn:li:tag:pii-phone"}, tags)

	dsTags, err := c.DatasetTags(context.Background(), customersURN)
	require.NoError(t, err)
	assert.Equal(t, []string{"urn:li:tag:tokenize-now"}, dsTags)

	_, err = c.SchemaFields(context.Background(), "urn:li:dataset:(urn:li:dataPlatform:postgres,x.y,PROD)")
	assert.ErrorIs(t, err, ErrDatasetNotFound)

	assert.Equal(t, "Bearer secret", gms.auth[0])
}

func TestTagMutations(t *testing.T) {
	gms := &fakeGMS{}
	c := newTestClient(t, gms)
	ctx := context.Background()

	require.NoError(t, c.AddFieldTag(ctx, customersURN, "email", "urn:li:tag:pii-email"))
	require.NoError(t, c.RemoveTag(ctx, customersURN, "", "urn:li:tag:tokenize-now"))

	require.Len(t, gms.mutations, 2)
	assert.Equal(t, map[string]any{
		"tagUrn":          "urn:li:tag:pii-email",
		"resourceUrn":     customersURN,
		"subResourceType": "DATASET_FIELD",
		"subResource":     "email",
	}, gms.mutations[0])
	assert.Equal(t, map[string]any{
		"tagUrn":      "urn:li:tag:tokenize-now",
		"resourceUrn": customersURN,
	}, gms.mutations[1])

	err := c.AddTag(ctx, customersURN, "", "urn:li:tag:forbidden")
	var gqlErr *GraphQLError
	require.ErrorAs(t, err, &gqlErr)
	assert.Contains(t, gqlErr.Messages[0], "Unauthorized")
}

func TestTaggedTargets(t *testing.T) {
	c := newTestClient(t, &fakeGMS{})

	targets, err := c.TaggedTargets(context.Background(), "urn:li:tag:tokenize-now")
	require.NoError(t, err)
	assert.Equal(t, []Target{
		{DatasetURN: customersURN},
		{DatasetURN: customersURN, FieldPath: "email"},
	}, targets)
}

func TestUpsertCustomProperties(t *testing.T) {
	gms := &fakeGMS{}
	c := newTestClient(t, gms)

	err := c.UpsertCustomProperties(context.Background(), customersURN, map[string]string{
		"tokenization.status": "SUCCESS",
	})
	require.NoError(t, err)
	require.Len(t, gms.proposals, 1)

	proposal := gms.proposals[0]["proposal"].(map[string]any)
	assert.Equal(t, "datasetProperties", proposal["aspectName"])
	assert.Equal(t, customersURN, proposal["entityUrn"])

	var aspect struct {
		Name             string            `json:"name"`
		Description      string            `json:"description"`
		CustomProperties map[string]string `json:"customProperties"`
	}
	value := proposal["aspect"].(map[string]any)["value"].(string)
	require.NoError(t, json.Unmarshal([]byte(value), &aspect))
	assert.Equal(t, "customers", aspect.Name)
	assert.Equal(t, "CRM export", aspect.Description)
	assert.Equal(t, map[string]string{"owner": "crm", "tokenization.status": "SUCCESS"}, aspect.CustomProperties)
}

func TestEnsureTagDefinition(t *testing.T) {
	gms := &fakeGMS{}
	c := newTestClient(t, gms)

	require.NoError(t, c.EnsureTagDefinition(context.Background(), "urn:li:tag:pii-email", "Email address", "Mailbox in a single value"))
	require.Len(t, gms.proposals, 1)

	proposal := gms.proposals[0]["proposal"].(map[string]any)
	assert.Equal(t, "tag", proposal["entityType"])
	assert.Equal(t, "urn:li:tag:pii-email", proposal["entityUrn"])
	assert.Equal(t, "tagProperties", proposal["aspectName"])

	value := proposal["aspect"].(map[string]any)["value"].(string)
	assert.JSONEq(t, `{"name":"Email address","description":"Mailbox in a single value"}`, value)
}

func TestHTTPError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gms restarting", http.StatusServiceUnavailable)
	}))

	_, err := c.DatasetTags(context.Background(), customersURN)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.True(t, httpErr.Temporary())
	assert.Equal(t, "gms restarting", httpErr.Body)

	assert.False(t, (&HTTPError{StatusCode: http.StatusBadRequest}).Temporary())
}
