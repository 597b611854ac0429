package store

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Cache record fields.
const (
	fieldExists        = "exists"
	fieldBinary        = "binary"
	fieldSynced        = "synced"
	fieldBody          = "body"
	fieldEtag          = "etag"
	fieldCreatedAt     = "created_at"
	fieldUpdatedAt     = "updated_at"
	fieldContentType   = "content_type"
	fieldContentLength = "content_length"
)

// Fields loaded for metadata-only reads.
var metadataFields = []string{
	fieldExists, fieldBinary, fieldSynced, fieldEtag,
	fieldCreatedAt, fieldUpdatedAt, fieldContentType, fieldContentLength,
}

// record is one cache tier entry. Exists=false with Synced=true caches a
// confirmed absence; Exists=false with Synced=false is a pending delete.
type record struct {
	Exists        bool
	Binary        bool
	Synced        bool
	Body          string // text, or base64 for binary records
	Etag          string
	CreatedAt     int64 // epoch millis
	UpdatedAt     int64
	ContentType   string
	ContentLength int64
}

func (r *record) fields() map[string]string {
	m := map[string]string{
		fieldExists: strconv.FormatBool(r.Exists),
		fieldBinary: strconv.FormatBool(r.Binary),
		fieldSynced: strconv.FormatBool(r.Synced),
	}
	if !r.Exists {
		return m
	}
	m[fieldBody] = r.Body
	m[fieldEtag] = r.Etag
	m[fieldCreatedAt] = strconv.FormatInt(r.CreatedAt, 10)
	m[fieldUpdatedAt] = strconv.FormatInt(r.UpdatedAt, 10)
	m[fieldContentType] = r.ContentType
	m[fieldContentLength] = strconv.FormatInt(r.ContentLength, 10)
	return m
}

func decodeRecord(m map[string]string) (*record, error) {
	var r record
	var err error
	if r.Exists, err = parseBool(m, fieldExists); err != nil {
		return nil, err
	}
	if r.Binary, err = parseBool(m, fieldBinary); err != nil {
		return nil, err
	}
	if r.Synced, err = parseBool(m, fieldSynced); err != nil {
		return nil, err
	}
	if !r.Exists {
		return &r, nil
	}
	r.Body = m[fieldBody]
	r.Etag = m[fieldEtag]
	r.ContentType = m[fieldContentType]
	if r.CreatedAt, err = parseInt(m, fieldCreatedAt); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = parseInt(m, fieldUpdatedAt); err != nil {
		return nil, err
	}
	if r.ContentLength, err = parseInt(m, fieldContentLength); err != nil {
		return nil, err
	}
	return &r, nil
}

func parseBool(m map[string]string, field string) (bool, error) {
	v, ok := m[field]
	if !ok {
		return false, fmt.Errorf("cache record has no %s field", field)
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("cache record field %s: %w", field, err)
	}
	return b, nil
}

func parseInt(m map[string]string, field string) (int64, error) {
	v, ok := m[field]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cache record field %s: %w", field, err)
	}
	return n, nil
}

// data returns the raw payload of an existing record.
func (r *record) data() ([]byte, error) {
	if !r.Binary {
		return []byte(r.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(r.Body)
	if err != nil {
		return nil, fmt.Errorf("cache record body: %w", err)
	}
	return b, nil
}

func cacheBody(data []byte, binary bool) string {
	if binary {
		return base64.StdEncoding.EncodeToString(data)
	}
	return string(data)
}
