package store

import (
	"strconv"

	"github.com/epam/ai-dial-core-sub000/internal/resource"
	"github.com/epam/ai-dial-core-sub000/internal/storage"
)

// Metadata describes an item, or a folder together with one page of its
// children.
type Metadata struct {
	Address       resource.Address `json:"-"`
	URL           string           `json:"url"`
	Name          string           `json:"name"`
	Folder        bool             `json:"folder,omitempty"`
	Etag          string           `json:"etag,omitempty"`
	CreatedAt     int64            `json:"created_at,omitempty"`
	UpdatedAt     int64            `json:"updated_at,omitempty"`
	ContentType   string           `json:"content_type,omitempty"`
	ContentLength int64            `json:"content_length,omitempty"`
	Items         []*Metadata      `json:"items,omitempty"`
	NextToken     string           `json:"next_token,omitempty"`
}

// Resource is an item with its decoded body.
type Resource[T any] struct {
	Metadata
	Body T
}

// ListOptions pages through folder listings. Token is the NextToken of the
// previous page.
type ListOptions struct {
	Token     string
	Limit     int
	Recursive bool
}

func newMetadata(addr resource.Address) *Metadata {
	return &Metadata{
		Address: addr,
		URL:     addr.URL(),
		Name:    addr.Name(),
		Folder:  addr.IsFolder(),
	}
}

// metadata returns nil for records that do not exist.
func (r *record) metadata(addr resource.Address) *Metadata {
	if r == nil || !r.Exists {
		return nil
	}
	m := newMetadata(addr)
	m.Etag = r.Etag
	m.CreatedAt = r.CreatedAt
	m.UpdatedAt = r.UpdatedAt
	m.ContentType = r.ContentType
	m.ContentLength = r.ContentLength
	return m
}

func entryMetadata(addr resource.Address, e storage.Entry) *Metadata {
	m := newMetadata(addr)
	if e.Prefix {
		return m
	}
	m.Etag = e.Attributes[fieldEtag]
	m.CreatedAt = attrInt(e.Attributes, fieldCreatedAt, e.LastModified.UnixMilli())
	m.UpdatedAt = attrInt(e.Attributes, fieldUpdatedAt, e.LastModified.UnixMilli())
	m.ContentType = e.ContentType
	if m.ContentType == "" {
		m.ContentType = e.Attributes[fieldContentType]
	}
	m.ContentLength = attrInt(e.Attributes, fieldContentLength, e.Size)
	return m
}

func attrInt(attrs map[string]string, name string, fallback int64) int64 {
	if v, err := strconv.ParseInt(attrs[name], 10, 64); err == nil {
		return v
	}
	return fallback
}
