package metadata

import (
	"fmt"
	"strings"
)

// Field is a schema field and the tags attached to it, from both the
// ingested schema and the editable overlay
type Field struct {
	Path string   `json:"field_path"`
	Tags []string `json:"tags"`
}

// HasTagPrefix reports whether any tag starts with prefix
func (f Field) HasTagPrefix(prefix string) bool {
	for _, t := range f.Tags {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

// HasTag reports whether the field carries tag
func (f Field) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Target is a tagged entity: a dataset, or one of its fields when FieldPath
// is set
type Target struct {
	DatasetURN string `json:"dataset"`
	FieldPath  string `json:"field_path,omitempty"`
}

// HTTPError is a non-2xx answer from the metadata service
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("metadata service returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying may help
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// GraphQLError carries the errors array of a GraphQL response
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "graphql: " + strings.Join(e.Messages, "; ")
}
