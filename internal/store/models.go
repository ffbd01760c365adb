package store

import "time"

// Site is the multi-tenancy boundary: every study design, node type and
// organisation belongs to exactly one site.
type Site struct {
	ID     string
	Domain string
	Name   string
}

type Person struct {
	ID   string
	Name string
}

type Organisation struct {
	ID        string
	SiteID    string
	Name      string
	ShortName string
}

type Resource struct {
	ID       string
	SiteID   string
	Name     string
	Archived bool
}

type StudyDesign struct {
	ID          string
	SiteID      string
	Name        string
	Description *string
	Archived    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NodeType is the ordered, site-scoped palette of node kinds shown in the
// map editor.
type NodeType struct {
	ID          string
	SiteID      string
	Name        string
	Color       string
	Description *string
	Position    int
}

type NodeTag struct {
	ID     string
	SiteID string
	Name   string
}

type Node struct {
	ID             string
	StudyDesignID  string
	TypeID         string
	PositionX      int
	PositionY      int
	Name           string
	Description    *string
	OrganisationID *string
	ResourceIDs    []string
}

type Edge struct {
	ID            string
	StudyDesignID string
	SourceID      string
	SourceHandle  string
	TargetID      string
	TargetHandle  string
}
