// Copyright 2025 James Ross
package manifest

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const supportedSchemaVersion = "1.0.0"

var sizeUnit = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*(B|KB|MB|GB)$`)
var durationUnit = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*(ms|s|m|h)$`)
var integrityFormat = regexp.MustCompile(`^sha384-[A-Za-z0-9+/]+=*$`)

// ParseOptions carries the defaults applied to omitted limit fields.
type ParseOptions struct {
	DefaultMemory            int64
	DefaultExecutionTime     time.Duration
	DefaultStorage           int64
	DefaultAPICallsPerMinute int
	DefaultNetworkReqsPerMin int
}

type rawManifest struct {
	SchemaVersion string         `yaml:"schemaVersion"`
	ID            string         `yaml:"id"`
	Version       string         `yaml:"version"`
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description"`
	Author        *rawAuthor     `yaml:"author"`
	Homepage      string         `yaml:"homepage"`
	License       string         `yaml:"license"`
	Keywords      []string       `yaml:"keywords"`
	Icon          string         `yaml:"icon"`
	Capabilities  rawCapabilities `yaml:"capabilities"`
	Limits        rawLimits      `yaml:"limits"`
	Entry         EntryPoints    `yaml:"entry"`
	Integrity     map[string]string `yaml:"integrity"`
	MinimumHostVersion string    `yaml:"minimumHostVersion"`
	Dependencies  map[string]string `yaml:"dependencies"`
}

type rawAuthor struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
	URL   string `yaml:"url"`
}

type rawCapabilities struct {
	Read      *ReadWriteCapability `yaml:"read"`
	Write     *ReadWriteCapability `yaml:"write"`
	UI        *UICapability        `yaml:"ui"`
	Network   *NetworkCapability   `yaml:"network"`
	Clipboard bool                 `yaml:"clipboard"`
	Storage   bool                 `yaml:"storage"`
}

type rawLimits struct {
	Memory                   string `yaml:"memory"`
	ExecutionTime            string `yaml:"executionTime"`
	Storage                  string `yaml:"storage"`
	APICallsPerMinute        *int   `yaml:"apiCallsPerMinute"`
	NetworkRequestsPerMinute *int   `yaml:"networkRequestsPerMinute"`
}

// manifestSchema is deliberately permissive: structural validation (field
// types, required top-level keys) is delegated to gojsonschema so malformed
// documents fail before semantic checks run; the lattice/limit/integrity
// rules below are domain checks the schema cannot express.
const manifestSchema = `{
  "type": "object",
  "required": ["schemaVersion", "id", "version", "name", "entry"],
  "properties": {
    "schemaVersion": {"type": "string"},
    "id": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "entry": {
      "type": "object",
      "required": ["main"],
      "properties": {"main": {"type": "string"}, "ui": {"type": "string"}}
    }
  }
}`

// Parse validates and normalizes a manifest document, returning every error
// found rather than stopping at the first.
func Parse(raw []byte, opts ParseOptions) (*Manifest, ErrorList) {
	var errs ErrorList

	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, ErrorList{newManifestError(CodeMissingField, "$", fmt.Sprintf("invalid yaml: %v", err))}
	}
	if dupes := findDuplicateKeys(&root, "integrity"); len(dupes) > 0 {
		for _, k := range dupes {
			errs = append(errs, newManifestError(CodeDuplicateIntegrity, "integrity."+k, "duplicate integrity key"))
		}
	}

	var generic interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, append(errs, newManifestError(CodeMissingField, "$", fmt.Sprintf("invalid yaml: %v", err)))
	}
	schemaLoader := gojsonschema.NewStringLoader(manifestSchema)
	docLoader := gojsonschema.NewGoLoader(toStringKeyed(generic))
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		errs = append(errs, newManifestError(CodeSchemaValidation, "$", err.Error()))
	} else if !result.Valid() {
		for _, re := range result.Errors() {
			errs = append(errs, newManifestError(CodeSchemaValidation, re.Field(), re.Description()))
		}
	}

	var rm rawManifest
	if err := yaml.Unmarshal(raw, &rm); err != nil {
		errs = append(errs, newManifestError(CodeMissingField, "$", fmt.Sprintf("decode: %v", err)))
		return nil, errs
	}

	if rm.SchemaVersion == "" {
		rm.SchemaVersion = supportedSchemaVersion
	}
	if rm.SchemaVersion != supportedSchemaVersion {
		errs = append(errs, newManifestError(CodeUnknownSchemaVersion, "schemaVersion", fmt.Sprintf("unsupported schema version %q", rm.SchemaVersion)))
	}

	m := &Manifest{
		SchemaVersion:      rm.SchemaVersion,
		ID:                 rm.ID,
		Version:            rm.Version,
		Name:               rm.Name,
		Description:        rm.Description,
		Homepage:           rm.Homepage,
		License:            rm.License,
		Keywords:           rm.Keywords,
		Icon:               rm.Icon,
		Entry:              rm.Entry,
		Integrity:          rm.Integrity,
		MinimumHostVersion: rm.MinimumHostVersion,
		Dependencies:       rm.Dependencies,
	}
	if rm.Author != nil {
		m.Author = &Author{Name: rm.Author.Name, Email: rm.Author.Email, URL: rm.Author.URL}
	}

	m.Capabilities = Capabilities{
		Read:      rm.Capabilities.Read,
		Write:     rm.Capabilities.Write,
		UI:        rm.Capabilities.UI,
		Network:   rm.Capabilities.Network,
		Clipboard: rm.Capabilities.Clipboard,
		Storage:   rm.Capabilities.Storage,
	}

	validateScopesAndTypes(m, &errs)
	validateNetworkPatterns(m, &errs)
	validateIntegrity(m, &errs)

	limits, limitErrs := normalizeLimits(rm.Limits, opts)
	errs = append(errs, limitErrs...)
	m.Limits = limits

	if len(errs) > 0 {
		return nil, errs
	}
	return m, nil
}

func validateScopesAndTypes(m *Manifest, errs *ErrorList) {
	check := func(category Category, rw *ReadWriteCapability) {
		if rw == nil {
			return
		}
		for _, s := range rw.Scopes {
			if !s.Valid() {
				*errs = append(*errs, newManifestError(CodeUndefinedScope, string(category)+".scopes", fmt.Sprintf("undefined scope %q", s)))
			}
		}
		for _, t := range rw.NodeTypes {
			if strings.TrimSpace(t) == "" {
				*errs = append(*errs, newManifestError(CodeUndefinedNodeType, string(category)+".types", "empty node type"))
			}
		}
	}
	check(CategoryRead, m.Capabilities.Read)
	check(CategoryWrite, m.Capabilities.Write)
}

func validateNetworkPatterns(m *Manifest, errs *ErrorList) {
	if m.Capabilities.Network == nil {
		return
	}
	for _, pattern := range m.Capabilities.Network.DomainPatterns {
		if _, err := doublestar.Match(pattern, "example.com"); err != nil {
			*errs = append(*errs, newManifestError(CodeInvalidGlob, "network.domains", fmt.Sprintf("invalid domain pattern %q: %v", pattern, err)))
		}
	}
}

// validateIntegrity requires every declared integrity entry to be a
// well-formed "sha384-<base64>" string, the subresource-integrity-style
// format the Guest Host verifies loaded code against.
func validateIntegrity(m *Manifest, errs *ErrorList) {
	for path, digest := range m.Integrity {
		if !integrityFormat.MatchString(digest) {
			*errs = append(*errs, newManifestError(CodeInvalidIntegrity, "integrity."+path, fmt.Sprintf("integrity value %q is not a well-formed sha384-<base64> digest", digest)))
			continue
		}
		if _, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(strings.TrimPrefix(digest, "sha384-"), "=")); err != nil {
			*errs = append(*errs, newManifestError(CodeInvalidIntegrity, "integrity."+path, fmt.Sprintf("integrity value %q has invalid base64 payload: %v", digest, err)))
		}
	}
}

func normalizeLimits(rl rawLimits, opts ParseOptions) (Limits, ErrorList) {
	var errs ErrorList
	limits := Limits{
		Memory:                   opts.DefaultMemory,
		ExecutionTime:            opts.DefaultExecutionTime,
		Storage:                  opts.DefaultStorage,
		APICallsPerMinute:        opts.DefaultAPICallsPerMinute,
		NetworkRequestsPerMinute: opts.DefaultNetworkReqsPerMin,
	}

	if rl.Memory != "" {
		v, err := ParseSize(rl.Memory)
		if err != nil {
			errs = append(errs, newManifestError(CodeMalformedSize, "limits.memory", err.Error()))
		} else if v <= 0 {
			errs = append(errs, newManifestError(CodeInvalidLimit, "limits.memory", "must be > 0"))
		} else {
			limits.Memory = v
		}
	}
	if rl.ExecutionTime != "" {
		v, err := ParseDuration(rl.ExecutionTime)
		if err != nil {
			errs = append(errs, newManifestError(CodeMalformedDuration, "limits.executionTime", err.Error()))
		} else if v <= 0 {
			errs = append(errs, newManifestError(CodeInvalidLimit, "limits.executionTime", "must be > 0"))
		} else {
			limits.ExecutionTime = v
		}
	}
	if rl.Storage != "" {
		v, err := ParseSize(rl.Storage)
		if err != nil {
			errs = append(errs, newManifestError(CodeMalformedSize, "limits.storage", err.Error()))
		} else if v <= 0 {
			errs = append(errs, newManifestError(CodeInvalidLimit, "limits.storage", "must be > 0"))
		} else {
			limits.Storage = v
		}
	}
	if rl.APICallsPerMinute != nil {
		if *rl.APICallsPerMinute <= 0 {
			errs = append(errs, newManifestError(CodeInvalidLimit, "limits.apiCallsPerMinute", "must be > 0"))
		} else {
			limits.APICallsPerMinute = *rl.APICallsPerMinute
		}
	}
	if rl.NetworkRequestsPerMinute != nil {
		if *rl.NetworkRequestsPerMinute <= 0 {
			errs = append(errs, newManifestError(CodeInvalidLimit, "limits.networkRequestsPerMinute", "must be > 0"))
		} else {
			limits.NetworkRequestsPerMinute = *rl.NetworkRequestsPerMinute
		}
	}
	return limits, errs
}

// ParseSize parses a "<number><B|KB|MB|GB>" literal into bytes.
func ParseSize(s string) (int64, error) {
	m := sizeUnit.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("malformed size %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed size %q: %w", s, err)
	}
	var mult float64
	switch m[2] {
	case "B":
		mult = 1
	case "KB":
		mult = 1024
	case "MB":
		mult = 1024 * 1024
	case "GB":
		mult = 1024 * 1024 * 1024
	}
	return int64(n * mult), nil
}

// ParseDuration parses a "<number><ms|s|m|h>" literal.
func ParseDuration(s string) (time.Duration, error) {
	m := durationUnit.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("malformed duration %q", s)
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed duration %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2] {
	case "ms":
		unit = time.Millisecond
	case "s":
		unit = time.Second
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}
	return time.Duration(n * float64(unit)), nil
}

// findDuplicateKeys walks a yaml document for a mapping node at the given
// top-level key and returns any key that appears more than once in the
// original document order. yaml.Unmarshal into a Go value rejects the
// whole document on a duplicate key without naming it as an integrity
// entry, so this must run against the raw node tree.
func findDuplicateKeys(root *yaml.Node, topLevelKey string) []string {
	if len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != topLevelKey {
			continue
		}
		target := doc.Content[i+1]
		if target.Kind != yaml.MappingNode {
			return nil
		}
		seen := make(map[string]int)
		var dupes []string
		for j := 0; j+1 < len(target.Content); j += 2 {
			key := target.Content[j].Value
			seen[key]++
			if seen[key] == 2 {
				dupes = append(dupes, key)
			}
		}
		return dupes
	}
	return nil
}

// toStringKeyed converts map[interface{}]interface{} nodes (as produced by
// some yaml decoders) into map[string]interface{} so gojsonschema's Go
// loader, which requires JSON-compatible types, can walk the document.
func toStringKeyed(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = toStringKeyed(val)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[fmt.Sprintf("%v", k)] = toStringKeyed(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = toStringKeyed(val)
		}
		return out
	default:
		return v
	}
}
