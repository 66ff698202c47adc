package avatar

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Attachment is a model attached to a joint of the avatar.
type Attachment struct {
	ModelURL    string     `msgpack:"model"`
	JointName   string     `msgpack:"joint"`
	Translation [3]float32 `msgpack:"t"`
	Rotation    [4]float32 `msgpack:"r"`
	Scale       float32    `msgpack:"s"`
}

// Identity is the name and appearance metadata of an avatar. It changes
// rarely and travels outside the per-frame records.
type Identity struct {
	DisplayName        string       `msgpack:"name"`
	SessionDisplayName string       `msgpack:"sessionName,omitempty"`
	SkeletonModelURL   string       `msgpack:"skeleton"`
	Attachments        []Attachment `msgpack:"attachments,omitempty"`
}

// Meaningful reports whether the identity says anything a receiver can use.
func (id Identity) Meaningful() bool {
	return id.DisplayName != "" || id.SkeletonModelURL != "" || len(id.Attachments) > 0
}

func EncodeIdentity(id Identity) ([]byte, error) {
	data, err := msgpack.Marshal(&id)
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	return data, nil
}

func DecodeIdentity(data []byte) (Identity, error) {
	var id Identity
	if err := msgpack.Unmarshal(data, &id); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return id, nil
}
