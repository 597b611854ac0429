// Package resource defines resource addresses, resource types and the error
// classes shared by the storage layers.
package resource

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

const separator = "/"

// Address identifies a resource: its type, the bucket that owns it and a
// path relative to that bucket. An empty path (the bucket root) or a path
// ending in "/" denotes a folder.
type Address struct {
	Type           Type
	BucketID       string
	BucketLocation string
	Path           string
}

// Parse resolves a resource URL of the form type/bucketId/path. The bucket id
// is decoded into a bucket location through buckets.
func Parse(rawURL string, buckets BucketCodec) (Address, error) {
	parts := strings.SplitN(rawURL, separator, 3)
	if len(parts) < 2 {
		return Address{}, fmt.Errorf("%w: %q has no bucket", ErrInvalidAddress, rawURL)
	}
	t, err := ParseType(parts[0])
	if err != nil {
		return Address{}, err
	}
	if parts[1] == "" {
		return Address{}, fmt.Errorf("%w: %q has an empty bucket", ErrInvalidAddress, rawURL)
	}
	location, err := buckets.Decode(parts[1])
	if err != nil {
		return Address{}, fmt.Errorf("%w: bucket %q: %v", ErrInvalidAddress, parts[1], err)
	}
	if err := validateLocation(location); err != nil {
		return Address{}, err
	}

	var path string
	if len(parts) == 3 {
		path, err = decodePath(parts[2])
		if err != nil {
			return Address{}, err
		}
	}
	return Address{Type: t, BucketID: parts[1], BucketLocation: location, Path: path}, nil
}

// New builds an address from a plaintext bucket location and a decoded path.
func New(t Type, bucketLocation, path string, buckets BucketCodec) (Address, error) {
	if _, err := ParseType(string(t)); err != nil {
		return Address{}, err
	}
	if err := validateLocation(bucketLocation); err != nil {
		return Address{}, err
	}
	if path != "" {
		segments := strings.Split(path, separator)
		for i, s := range segments {
			if s == "" && i == len(segments)-1 {
				continue
			}
			if err := validateSegment(s); err != nil {
				return Address{}, err
			}
		}
	}
	id, err := buckets.Encode(bucketLocation)
	if err != nil {
		return Address{}, fmt.Errorf("encode bucket: %w", err)
	}
	return Address{Type: t, BucketID: id, BucketLocation: bucketLocation, Path: path}, nil
}

func validateLocation(location string) error {
	if location == "" || strings.HasPrefix(location, separator) || !strings.HasSuffix(location, separator) {
		return fmt.Errorf("%w: malformed bucket location %q", ErrInvalidAddress, location)
	}
	for _, s := range strings.Split(strings.TrimSuffix(location, separator), separator) {
		if err := validateSegment(s); err != nil {
			return err
		}
	}
	return nil
}

func decodePath(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	segments := strings.Split(raw, separator)
	decoded := make([]string, len(segments))
	for i, s := range segments {
		if s == "" && i == len(segments)-1 {
			continue
		}
		d, err := url.PathUnescape(s)
		if err != nil {
			return "", fmt.Errorf("%w: segment %q: %v", ErrInvalidAddress, s, err)
		}
		if strings.Contains(d, separator) {
			return "", fmt.Errorf("%w: segment %q encodes a separator", ErrInvalidAddress, s)
		}
		if err := validateSegment(d); err != nil {
			return "", err
		}
		decoded[i] = d
	}
	return strings.Join(decoded, separator), nil
}

func validateSegment(s string) error {
	switch {
	case s == "":
		return fmt.Errorf("%w: empty path segment", ErrInvalidAddress)
	case s == "." || s == "..":
		return fmt.Errorf("%w: relative path segment %q", ErrInvalidAddress, s)
	case strings.HasSuffix(s, "."):
		return fmt.Errorf("%w: path segment %q ends with a dot", ErrInvalidAddress, s)
	}
	for _, r := range s {
		if unicode.IsControl(r) || r == '{' || r == '}' || r == '\\' {
			return fmt.Errorf("%w: path segment %q contains %q", ErrInvalidAddress, s, r)
		}
	}
	return nil
}

// IsFolder reports whether the address denotes a folder.
func (a Address) IsFolder() bool {
	return a.Path == "" || strings.HasSuffix(a.Path, separator)
}

// URL returns type/bucketId/path with each path segment escaped. Two addresses
// are the same resource exactly when their URLs are equal.
func (a Address) URL() string {
	var b strings.Builder
	b.WriteString(string(a.Type))
	b.WriteString(separator)
	b.WriteString(a.BucketID)
	b.WriteString(separator)
	if a.Path != "" {
		segments := strings.Split(a.Path, separator)
		for i, s := range segments {
			if i > 0 {
				b.WriteString(separator)
			}
			b.WriteString(url.PathEscape(s))
		}
	}
	return b.String()
}

func (a Address) String() string {
	return a.URL()
}

// Name returns the last path segment, without a folder's trailing separator.
func (a Address) Name() string {
	p := strings.TrimSuffix(a.Path, separator)
	if i := strings.LastIndex(p, separator); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Parent returns the enclosing folder. It returns false for the bucket root.
func (a Address) Parent() (Address, bool) {
	if a.Path == "" {
		return Address{}, false
	}
	p := strings.TrimSuffix(a.Path, separator)
	parent := a
	if i := strings.LastIndex(p, separator); i >= 0 {
		parent.Path = p[:i+1]
	} else {
		parent.Path = ""
	}
	return parent, true
}

// Child returns the item or folder named name inside folder a.
func (a Address) Child(name string, folder bool) Address {
	child := a
	child.Path = a.Path + name
	if folder {
		child.Path += separator
	}
	return child
}

// AbsolutePath is the bucket-qualified path used to derive cache and durable
// keys: bucketLocation + type + "/" + path.
func (a Address) AbsolutePath() string {
	return a.BucketLocation + string(a.Type) + separator + a.Path
}

// CacheKey returns the cache tier key, prefixed with namespace.
func (a Address) CacheKey(namespace string) string {
	return namespace + strings.ToLower(string(a.Type)) + ":" + a.AbsolutePath()
}

// FromAbsolutePath rebuilds an item or folder address found under the
// durable key prefix of folder a.
func (a Address) FromAbsolutePath(abs string) (Address, bool) {
	prefix := a.BucketLocation + string(a.Type) + separator
	if !strings.HasPrefix(abs, prefix) {
		return Address{}, false
	}
	child := a
	child.Path = strings.TrimPrefix(abs, prefix)
	return child, true
}
