package resource

import "fmt"

// Type is a resource family. Its value is the first segment of a resource URL.
type Type string

const (
	Files         Type = "files"
	Conversations Type = "conversations"
	Prompts       Type = "prompts"
	Applications  Type = "applications"
	Publications  Type = "publications"
	Rules         Type = "rules"
	Invitations   Type = "invitations"
	Notifications Type = "notifications"
	Shares        Type = "shares"
)

var knownTypes = map[Type]struct{}{
	Files:         {},
	Conversations: {},
	Prompts:       {},
	Applications:  {},
	Publications:  {},
	Rules:         {},
	Invitations:   {},
	Notifications: {},
	Shares:        {},
}

// ParseType validates a URL segment as a resource type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if _, ok := knownTypes[t]; !ok {
		return "", fmt.Errorf("%w: unsupported resource type %q", ErrInvalidAddress, s)
	}
	return t, nil
}

// Binary reports whether resources of this type carry raw bytes rather than
// JSON documents.
func (t Type) Binary() bool {
	return t == Files
}

func (t Type) String() string {
	return string(t)
}
