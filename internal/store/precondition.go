package store

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/epam/ai-dial-core-sub000/internal/resource"
)

const anyEtag = "*"

// ErrInvalidPrecondition is returned by ParsePrecondition for malformed
// header values.
var ErrInvalidPrecondition = errors.New("invalid etag precondition")

// Precondition gates a write on the etag of the current resource. The zero
// value is unconditional.
type Precondition struct {
	match     []string
	noneMatch []string
}

// Unconditional overwrites whatever is there.
func Unconditional() Precondition { return Precondition{} }

// CreateOnly requires the resource to be absent.
func CreateOnly() Precondition { return Precondition{noneMatch: []string{anyEtag}} }

// MustExist requires the resource to be present.
func MustExist() Precondition { return Precondition{match: []string{anyEtag}} }

// IfMatch requires the current etag to be one of etags.
func IfMatch(etags ...string) Precondition { return Precondition{match: etags} }

// IfNoneMatch requires the current etag to be none of etags.
func IfNoneMatch(etags ...string) Precondition { return Precondition{noneMatch: etags} }

// IsUnconditional reports whether p accepts any state.
func (p Precondition) IsUnconditional() bool {
	return p.match == nil && p.noneMatch == nil
}

// Check validates p against the etag of the current resource, or nil when it
// is absent.
func (p Precondition) Check(current *Metadata) error {
	if p.match != nil {
		if current == nil {
			return fmt.Errorf("%w: resource is absent", resource.ErrEtagMismatch)
		}
		if !matches(p.match, current.Etag) {
			return fmt.Errorf("%w: etag is %s", resource.ErrEtagMismatch, current.Etag)
		}
	}
	if p.noneMatch != nil && current != nil && matches(p.noneMatch, current.Etag) {
		return fmt.Errorf("%w: resource exists with etag %s", resource.ErrEtagMismatch, current.Etag)
	}
	return nil
}

func matches(etags []string, etag string) bool {
	return slices.Contains(etags, anyEtag) || slices.Contains(etags, etag)
}

func (p Precondition) String() string {
	switch {
	case p.IsUnconditional():
		return "unconditional"
	case p.match != nil && p.noneMatch != nil:
		return fmt.Sprintf("if-match %v, if-none-match %v", p.match, p.noneMatch)
	case p.match != nil:
		return fmt.Sprintf("if-match %v", p.match)
	default:
		return fmt.Sprintf("if-none-match %v", p.noneMatch)
	}
}

// ParsePrecondition builds a precondition from If-Match and If-None-Match
// header values. Empty values impose no condition.
func ParsePrecondition(ifMatch, ifNoneMatch string) (Precondition, error) {
	var p Precondition
	var err error
	if p.match, err = parseEtags(ifMatch); err != nil {
		return Precondition{}, err
	}
	if p.noneMatch, err = parseEtags(ifNoneMatch); err != nil {
		return Precondition{}, err
	}
	return p, nil
}

func parseEtags(header string) ([]string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	if header == anyEtag {
		return []string{anyEtag}, nil
	}
	var etags []string
	for _, part := range strings.Split(header, ",") {
		tag := strings.TrimSpace(part)
		tag = strings.TrimPrefix(tag, "W/")
		if len(tag) >= 2 && tag[0] == '"' && tag[len(tag)-1] == '"' {
			tag = tag[1 : len(tag)-1]
		}
		if tag == "" || tag == anyEtag || strings.ContainsAny(tag, "\" ") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPrecondition, header)
		}
		etags = append(etags, tag)
	}
	return etags, nil
}
