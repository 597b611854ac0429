package store

import (
	"errors"
	"testing"

	"github.com/epam/ai-dial-core-sub000/internal/resource"
)

func TestPreconditionCheck(t *testing.T) {
	present := &Metadata{Etag: "e1"}

	tests := []struct {
		name    string
		pre     Precondition
		current *Metadata
		wantErr bool
	}{
		{"unconditional on absent", Unconditional(), nil, false},
		{"unconditional on present", Unconditional(), present, false},
		{"create-only on absent", CreateOnly(), nil, false},
		{"create-only on present", CreateOnly(), present, true},
		{"must-exist on absent", MustExist(), nil, true},
		{"must-exist on present", MustExist(), present, false},
		{"if-match same", IfMatch("e1"), present, false},
		{"if-match one of", IfMatch("e0", "e1"), present, false},
		{"if-match other", IfMatch("e2"), present, true},
		{"if-match absent", IfMatch("e1"), nil, true},
		{"if-none-match same", IfNoneMatch("e1"), present, true},
		{"if-none-match other", IfNoneMatch("e2"), present, false},
		{"if-none-match absent", IfNoneMatch("e1"), nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pre.Check(tt.current)
			if tt.wantErr && !errors.Is(err, resource.ErrEtagMismatch) {
				t.Fatalf("Check = %v, want ErrEtagMismatch", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Check = %v", err)
			}
		})
	}
}

func TestParsePrecondition(t *testing.T) {
	present := &Metadata{Etag: "abc"}

	tests := []struct {
		name        string
		ifMatch     string
		ifNoneMatch string
		wantErr     bool
		passPresent bool
		passAbsent  bool
	}{
		{name: "empty", passPresent: true, passAbsent: true},
		{name: "any match", ifMatch: "*", passPresent: true},
		{name: "create only", ifNoneMatch: "*", passAbsent: true},
		{name: "quoted list", ifMatch: `"x", "abc"`, passPresent: true},
		{name: "weak tag", ifMatch: `W/"abc"`, passPresent: true},
		{name: "none match other", ifNoneMatch: `"x"`, passPresent: true, passAbsent: true},
		{name: "empty tag", ifMatch: `"x", ""`, wantErr: true},
		{name: "star in list", ifMatch: `*, "x"`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pre, err := ParsePrecondition(tt.ifMatch, tt.ifNoneMatch)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidPrecondition) {
					t.Fatalf("ParsePrecondition = %v, want ErrInvalidPrecondition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePrecondition: %v", err)
			}
			if got := pre.Check(present) == nil; got != tt.passPresent {
				t.Errorf("Check(present) passed = %v, want %v", got, tt.passPresent)
			}
			if got := pre.Check(nil) == nil; got != tt.passAbsent {
				t.Errorf("Check(absent) passed = %v, want %v", got, tt.passAbsent)
			}
		})
	}
}

func TestETagIsDeterministic(t *testing.T) {
	a := ETag([]byte(`{"a":1}`))
	if a != ETag([]byte(`{"a":1}`)) {
		t.Fatal("same body, different etags")
	}
	if a == ETag([]byte(`{"a":2}`)) {
		t.Fatal("different bodies, same etag")
	}
	if len(a) != 64 {
		t.Fatalf("etag %q is not a hex BLAKE2b-256 digest", a)
	}
}
