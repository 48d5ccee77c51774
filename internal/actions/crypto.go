package actions

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/stepflow/pkg/schema"
)

// CryptoActions returns the hashing and id generation actions.
func CryptoActions() []Action {
	return []Action{
		&cryptoHashAction{},
		&cryptoUUIDAction{},
	}
}

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
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
	}
}

// --- crypto.hash ---

type cryptoHashAction struct{}

func (a *cryptoHashAction) Name() string { return "crypto.hash" }

func (a *cryptoHashAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Hex digest of params.data (sha256 unless params.algorithm says otherwise)",
		Params:      []string{"data", "algorithm"},
	}
}

func (a *cryptoHashAction) Validate(params map[string]any) error {
	if _, ok := params["data"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "crypto.hash requires a 'data' string")
	}
	_, err := hashFunc(stringParam(params, "algorithm", "sha256"))
	return err
}

func (a *cryptoHashAction) Execute(_ context.Context, input Input) (any, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	newHash, _ := hashFunc(stringParam(input.Params, "algorithm", "sha256"))

	h := newHash()
	h.Write([]byte(stringParam(input.Params, "data", "")))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// --- crypto.uuid ---

type cryptoUUIDAction struct{}

func (a *cryptoUUIDAction) Name() string { return "crypto.uuid" }

func (a *cryptoUUIDAction) Schema() ActionSchema {
	return ActionSchema{Description: "Generate a random (v4) UUID"}
}

func (a *cryptoUUIDAction) Validate(map[string]any) error { return nil }

func (a *cryptoUUIDAction) Execute(context.Context, Input) (any, error) {
	return uuid.NewString(), nil
}
