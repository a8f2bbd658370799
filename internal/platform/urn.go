package platform

import (
	"fmt"
	"strings"
)

const (
	datasetURNPrefix  = "urn:li:dataset:("
	platformURNPrefix = "urn:li:dataPlatform:"
	fieldURNPrefix    = "urn:li:schemaField:("
)

// Dataset identifies a table by the parts of its URN the adapters need
type Dataset struct {
	URN      string `json:"urn"`
	Platform string `json:"platform"`
	Database string `json:"database,omitempty"`
	Schema   string `json:"schema,omitempty"`
	Table    string `json:"table"`
	Env      string `json:"env,omitempty"`
}

// QualifiedName returns the dotted name as it appears in the URN
func (d Dataset) QualifiedName() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{d.Database, d.Schema, d.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Slug returns a lowercase identifier made of [a-z0-9-] for run ids and keys
func (d Dataset) Slug() string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(d.Platform + "-" + d.QualifiedName()) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Tenant returns the tenant scope of the dataset: the schema segment, or the
// database when the name has only two parts.
func (d Dataset) Tenant() string {
	if d.Schema != "" {
		return d.Schema
	}
	return d.Database
}

// ParseDatasetURN parses
// urn:li:dataset:(urn:li:dataPlatform:<platform>,<db>.<schema>.<table>,<ENV>)
func ParseDatasetURN(urn string) (Dataset, error) {
	if !strings.HasPrefix(urn, datasetURNPrefix) || !strings.HasSuffix(urn, ")") {
		return Dataset{}, fmt.Errorf("%w: %q", ErrInvalidURN, urn)
	}
	inner := urn[len(datasetURNPrefix) : len(urn)-1]

	first := strings.IndexByte(inner, ',')
	last := strings.LastIndexByte(inner, ',')
	if first < 0 || first == last {
		return Dataset{}, fmt.Errorf("%w: %q", ErrInvalidURN, urn)
	}

	platformURN, name, env := inner[:first], inner[first+1:last], inner[last+1:]
	if !strings.HasPrefix(platformURN, platformURNPrefix) {
		return Dataset{}, fmt.Errorf("%w: bad platform in %q", ErrInvalidURN, urn)
	}

	d := Dataset{
		URN:      urn,
		Platform: strings.TrimPrefix(platformURN, platformURNPrefix),
		Env:      env,
	}
	if d.Platform == "" {
		return Dataset{}, fmt.Errorf("%w: empty platform in %q", ErrInvalidURN, urn)
	}

	parts := strings.Split(name, ".")
	for _, p := range parts {
		if p == "" {
			return Dataset{}, fmt.Errorf("%w: bad table name %q", ErrInvalidURN, name)
		}
	}
	switch len(parts) {
	case 3:
		d.Database, d.Schema, d.Table = parts[0], parts[1], parts[2]
	case 2:
		d.Database, d.Table = parts[0], parts[1]
	default:
		return Dataset{}, fmt.Errorf("%w: table name %q must be <db>.<schema>.<table> or <db>.<table>", ErrInvalidURN, name)
	}

	return d, nil
}

// ParseSchemaFieldURN splits urn:li:schemaField:(<dataset urn>,<field path>)
func ParseSchemaFieldURN(urn string) (datasetURN, fieldPath string, err error) {
	if !strings.HasPrefix(urn, fieldURNPrefix) || !strings.HasSuffix(urn, ")") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURN, urn)
	}
	inner := urn[len(fieldURNPrefix) : len(urn)-1]

	// The dataset URN ends with its own closing parenthesis
	end := strings.Index(inner, "),")
	if end < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidURN, urn)
	}
	datasetURN, fieldPath = inner[:end+1], inner[end+2:]
	if fieldPath == "" {
		return "", "", fmt.Errorf("%w: empty field path in %q", ErrInvalidURN, urn)
	}
	return datasetURN, fieldPath, nil
}

// MakeDatasetURN builds a dataset URN
func MakeDatasetURN(platform, name, env string) string {
	return fmt.Sprintf("%s%s%s,%s,%s)", datasetURNPrefix, platformURNPrefix, platform, name, strings.ToUpper(env))
}

// MakeSchemaFieldURN builds a schema field URN
func MakeSchemaFieldURN(datasetURN, fieldPath string) string {
	return fmt.Sprintf("%s%s,%s)", fieldURNPrefix, datasetURN, fieldPath)
}

// FieldPathToColumn maps a (possibly versioned) field path to its column name,
// the last dotted segment.
func FieldPathToColumn(fieldPath string) string {
	if i := strings.LastIndexByte(fieldPath, '.'); i >= 0 {
		return fieldPath[i+1:]
	}
	return fieldPath
}

// ParseDataset accepts a dataset URN or a dotted table name on defaultPlatform
func ParseDataset(s, defaultPlatform string) (Dataset, error) {
	if strings.HasPrefix(s, "urn:") {
		return ParseDatasetURN(s)
	}
	return ParseDatasetURN(MakeDatasetURN(defaultPlatform, s, "PROD"))
}
