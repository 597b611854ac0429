package store

// Codec converts between a payload value and the raw bytes kept in the
// durable tier. Binary codecs have their bytes base64-encoded in the cache
// tier, whose record fields are strings.
type Codec[T any] interface {
	Encode(v T) []byte
	Decode(data []byte) (T, error)
	Binary() bool
	DefaultContentType() string
}

// Text stores documents as UTF-8 strings.
type Text struct{}

func (Text) Encode(v string) []byte { return []byte(v) }

func (Text) Decode(data []byte) (string, error) { return string(data), nil }

func (Text) Binary() bool { return false }

func (Text) DefaultContentType() string { return "application/json" }

// Binary stores files as raw bytes.
type Binary struct{}

func (Binary) Encode(v []byte) []byte { return v }

func (Binary) Decode(data []byte) ([]byte, error) { return data, nil }

func (Binary) Binary() bool { return true }

func (Binary) DefaultContentType() string { return "application/octet-stream" }
