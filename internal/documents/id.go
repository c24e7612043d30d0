package documents

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidDocumentID indicates that a document identifier is malformed.
var ErrInvalidDocumentID = errors.New("documents: invalid document id")

const (
	idSeparator        = ":"
	maxComponentLength = 190
)

// DocumentID addresses one replicated document as owner username, project slug and element id.
// A project rename produces a new identifier space; existing identifiers are never rewritten.
type DocumentID struct {
	Owner     string
	Slug      string
	ElementID string
}

// NewDocumentID validates the components and returns a DocumentID.
func NewDocumentID(owner, slug, elementID string) (DocumentID, error) {
	id := DocumentID{
		Owner:     strings.TrimSpace(owner),
		Slug:      strings.TrimSpace(slug),
		ElementID: strings.TrimSpace(elementID),
	}
	if err := id.Validate(); err != nil {
		return DocumentID{}, err
	}
	return id, nil
}

// ParseDocumentID parses the "owner:slug:elementId" form.
func ParseDocumentID(raw string) (DocumentID, error) {
	parts := strings.Split(strings.TrimSpace(raw), idSeparator)
	if len(parts) != 3 {
		return DocumentID{}, fmt.Errorf("%w: expected owner:slug:element, got %q", ErrInvalidDocumentID, raw)
	}
	return NewDocumentID(parts[0], parts[1], parts[2])
}

// Validate reports whether every component is present and usable as a key segment.
func (id DocumentID) Validate() error {
	components := []struct {
		name  string
		value string
	}{
		{"owner", id.Owner},
		{"slug", id.Slug},
		{"element", id.ElementID},
	}
	for _, component := range components {
		if err := validateComponent(component.name, component.value); err != nil {
			return err
		}
	}
	return nil
}

// String renders the identifier in its storage form.
func (id DocumentID) String() string {
	return id.Owner + idSeparator + id.Slug + idSeparator + id.ElementID
}

// InProject reports whether the document belongs to the project addressed by owner and slug.
func (id DocumentID) InProject(owner, slug string) bool {
	return id.Owner == owner && id.Slug == slug
}

// WithProject returns the same element addressed under another project address.
func (id DocumentID) WithProject(owner, slug string) (DocumentID, error) {
	return NewDocumentID(owner, slug, id.ElementID)
}

// ProjectPrefix is the key prefix shared by every document of a project.
func ProjectPrefix(owner, slug string) string {
	return owner + idSeparator + slug + idSeparator
}

func validateComponent(name, value string) error {
	switch {
	case value == "":
		return fmt.Errorf("%w: empty %s", ErrInvalidDocumentID, name)
	case strings.Contains(value, idSeparator):
		return fmt.Errorf("%w: %s contains %q", ErrInvalidDocumentID, name, idSeparator)
	case len(value) > maxComponentLength:
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidDocumentID, name, maxComponentLength)
	}
	return nil
}
