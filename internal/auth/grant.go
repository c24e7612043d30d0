package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidGrant indicates a grant claim that cannot be projected onto a project.
var ErrInvalidGrant = errors.New("auth: invalid grant")

const (
	grantKindLegacy = "legacy"
	grantKindOAuth  = "oauth"
	projectKeySep   = "/"
)

// ProjectContext addresses the project a session is scoped to.
type ProjectContext struct {
	Owner string
	Slug  string
}

// Key renders the context as "owner/slug".
func (p ProjectContext) Key() string {
	return p.Owner + projectKeySep + p.Slug
}

// ParseProjectKey parses "owner/slug".
func ParseProjectKey(raw string) (ProjectContext, error) {
	owner, slug, found := strings.Cut(strings.TrimSpace(raw), projectKeySep)
	owner = strings.TrimSpace(owner)
	slug = strings.TrimSpace(slug)
	if !found || owner == "" || slug == "" || strings.Contains(slug, projectKeySep) {
		return ProjectContext{}, fmt.Errorf("%w: project key %q", ErrInvalidGrant, raw)
	}
	return ProjectContext{Owner: owner, Slug: slug}, nil
}

// Grant is either a LegacyGrant or an OAuthGrant. A nil Grant is an unscoped user session.
type Grant interface {
	grant()
}

// LegacyGrant scopes a session to exactly one project.
type LegacyGrant struct {
	Project ProjectContext
}

// OAuthGrant scopes a session to a set of projects with one of them active.
type OAuthGrant struct {
	Projects []ProjectContext
	Active   ProjectContext
}

func (LegacyGrant) grant() {}
func (OAuthGrant) grant()  {}

// ActiveProject is the single projection from a grant to the project it currently addresses.
func ActiveProject(grant Grant) (ProjectContext, bool) {
	switch typed := grant.(type) {
	case LegacyGrant:
		return typed.Project, typed.Project.Owner != ""
	case OAuthGrant:
		if typed.Active.Owner == "" {
			return ProjectContext{}, false
		}
		return typed.Active, true
	default:
		return ProjectContext{}, false
	}
}

// Permits reports whether a session holding grant may address the project owner/slug.
func Permits(grant Grant, owner, slug string) bool {
	target := ProjectContext{Owner: owner, Slug: slug}
	switch typed := grant.(type) {
	case nil:
		return true
	case LegacyGrant:
		return typed.Project == target
	case OAuthGrant:
		for _, project := range typed.Projects {
			if project == target {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// GrantClaim is the JWT representation of a Grant.
type GrantClaim struct {
	Kind     string   `json:"kind"`
	Project  string   `json:"project,omitempty"`
	Projects []string `json:"projects,omitempty"`
	Active   string   `json:"active,omitempty"`
}

func encodeGrant(grant Grant) *GrantClaim {
	switch typed := grant.(type) {
	case LegacyGrant:
		return &GrantClaim{Kind: grantKindLegacy, Project: typed.Project.Key()}
	case OAuthGrant:
		claim := &GrantClaim{Kind: grantKindOAuth}
		for _, project := range typed.Projects {
			claim.Projects = append(claim.Projects, project.Key())
		}
		if typed.Active.Owner != "" {
			claim.Active = typed.Active.Key()
		}
		return claim
	default:
		return nil
	}
}

func decodeGrant(claim *GrantClaim) (Grant, error) {
	if claim == nil {
		return nil, nil
	}
	switch claim.Kind {
	case grantKindLegacy:
		project, err := ParseProjectKey(claim.Project)
		if err != nil {
			return nil, err
		}
		return LegacyGrant{Project: project}, nil
	case grantKindOAuth:
		grant := OAuthGrant{}
		for _, raw := range claim.Projects {
			project, err := ParseProjectKey(raw)
			if err != nil {
				return nil, err
			}
			grant.Projects = append(grant.Projects, project)
		}
		if strings.TrimSpace(claim.Active) != "" {
			active, err := ParseProjectKey(claim.Active)
			if err != nil {
				return nil, err
			}
			if !Permits(grant, active.Owner, active.Slug) {
				return nil, fmt.Errorf("%w: active project %q not granted", ErrInvalidGrant, claim.Active)
			}
			grant.Active = active
		}
		return grant, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidGrant, claim.Kind)
	}
}
