package executors

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/rendis/taskflow/pkg/schema"
)

// hashFunc returns a new hash.Hash for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "md5":
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "unsupported hash algorithm: %s", algorithm)
	}
}

// HashExecutor digests the "data" parameter. With a "key" parameter it
// computes an HMAC instead, which pairs with $[Secrets('...')] keys.
type HashExecutor struct{}

func (HashExecutor) Type() string        { return "hash" }
func (HashExecutor) Description() string { return "Compute a hash or HMAC of the data parameter." }

func (HashExecutor) Execute(_ context.Context, req Request) (*Result, error) {
	data, ok := req.Parameters["data"].(string)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "hash requires 'data' string parameter")
	}
	algorithm := stringParam(req.Parameters, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	var h hash.Hash
	field := "hash"
	if key, ok := req.Parameters["key"].(string); ok && key != "" {
		h = hmac.New(newHash, []byte(key))
		field = "hmac"
	} else {
		h = newHash()
	}
	h.Write([]byte(data))

	return &Result{Output: map[string]any{
		field:       hex.EncodeToString(h.Sum(nil)),
		"algorithm": algorithm,
	}}, nil
}
