package pip

import (
	"context"
	"regexp"
	"strings"

	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

// ResourceDescriptor is what a ResourceDirectory knows about a resource.
type ResourceDescriptor struct {
	DataType         string
	SensitivityLevel string
	Owner            string
	Tags             []string
}

// ResourceDirectory looks up ResourceDescriptor records by resource URI.
type ResourceDirectory interface {
	Lookup(ctx context.Context, resourceURI string) (*ResourceDescriptor, bool, error)
}

// StaticResourceDirectory is an in-memory ResourceDirectory.
type StaticResourceDirectory struct {
	descriptors map[string]*ResourceDescriptor
}

func NewStaticResourceDirectory(descriptors map[string]*ResourceDescriptor) *StaticResourceDirectory {
	return &StaticResourceDirectory{descriptors: descriptors}
}

func (d *StaticResourceDirectory) Lookup(_ context.Context, resourceURI string) (*ResourceDescriptor, bool, error) {
	desc, ok := d.descriptors[resourceURI]
	return desc, ok, nil
}

var piiPattern = regexp.MustCompile(`(?i)ssn|social.?security|credit.?card|passport|date.?of.?birth|email|phone.?number`)

// ResourceEnricher derives classification attributes for the resource
// under access, falling back to keyword detection over the resource URI
// itself when the directory has no entry.
type ResourceEnricher struct {
	Directory ResourceDirectory
}

func NewResourceEnricher(dir ResourceDirectory) *ResourceEnricher {
	return &ResourceEnricher{Directory: dir}
}

func (e *ResourceEnricher) Name() string { return "resource" }

func (e *ResourceEnricher) Enrich(ctx context.Context, base *pdp.Context) (map[string]any, error) {
	desc, found, err := e.Directory.Lookup(ctx, base.Resource)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]any{
			"dataType":         "unknown",
			"sensitivityLevel": base.ResourceSensitivity,
			"owner":            base.ResourceOwner,
			"tags":             []string{},
			"isPII":            piiPattern.MatchString(base.Resource),
		}, nil
	}

	isPII := piiPattern.MatchString(base.Resource) || containsTag(desc.Tags, "pii")

	return map[string]any{
		"dataType":         desc.DataType,
		"sensitivityLevel": desc.SensitivityLevel,
		"owner":            desc.Owner,
		"tags":             desc.Tags,
		"isPII":            isPII,
	}, nil
}

func containsTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
