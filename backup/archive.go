package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"securechat/models"
)

const (
	archiveFormat  = "securechat-backup"
	archiveVersion = 1
)

// Archive is the decoded body of a backup file. Record ciphertext is sealed
// with the owner's backup key, which travels wrapped in WrappedKey.
type Archive struct {
	Owner         Owner          `json:"owner"`
	ExportedAt    time.Time      `json:"exported_at"`
	KeyScope      string         `json:"key_scope"`
	WrappedKey    []byte         `json:"wrapped_key"`
	Conversations []Conversation `json:"conversations"`
	Records       []Record       `json:"records"`
}

type Owner struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Conversation carries what import needs to rebuild a conversation.
// Participants are usernames in join order; ParticipantIDs holds the
// exporting server's user ids at the same positions.
type Conversation struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Name           string    `json:"name,omitempty"`
	Owner          string    `json:"owner,omitempty"`
	Participants   []string  `json:"participants"`
	ParticipantIDs []string  `json:"participant_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Record struct {
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	SenderID       string    `json:"sender_id"`
	Sender         string    `json:"sender"`
	Timestamp      time.Time `json:"timestamp"`
	Ciphertext     []byte    `json:"ciphertext"`
}

// envelope is the self-describing outer layer. Checksum is the hex SHA-256
// of the exact Body bytes.
type envelope struct {
	Format   string          `json:"format"`
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	Body     json.RawMessage `json:"body"`
}

// Encode serializes a and returns the file bytes with their checksum.
func Encode(a *Archive) ([]byte, string, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, "", fmt.Errorf("encode archive: %w", err)
	}
	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])
	data, err := json.Marshal(envelope{
		Format:   archiveFormat,
		Version:  archiveVersion,
		Checksum: checksum,
		Body:     body,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode archive: %w", err)
	}
	return data, checksum, nil
}

// Decode validates the envelope and checksum and decodes the archive body.
// Every failure is ErrArchiveCorrupt.
func Decode(data []byte) (*Archive, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrArchiveCorrupt, err)
	}
	if env.Format != archiveFormat || env.Version != archiveVersion {
		return nil, fmt.Errorf("%w: unsupported format %q version %d", models.ErrArchiveCorrupt, env.Format, env.Version)
	}
	sum := sha256.Sum256(env.Body)
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", models.ErrArchiveCorrupt)
	}

	var a Archive
	if err := json.Unmarshal(env.Body, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrArchiveCorrupt, err)
	}
	if a.Owner.Username == "" || a.KeyScope == "" || len(a.WrappedKey) == 0 {
		return nil, fmt.Errorf("%w: missing owner or key", models.ErrArchiveCorrupt)
	}
	known := make(map[string]bool, len(a.Conversations))
	for _, c := range a.Conversations {
		if len(c.ParticipantIDs) != 0 && len(c.ParticipantIDs) != len(c.Participants) {
			return nil, fmt.Errorf("%w: participants of %s do not line up", models.ErrArchiveCorrupt, c.ID)
		}
		known[c.ID] = true
	}
	for _, r := range a.Records {
		if !known[r.ConversationID] || r.Seq < 1 {
			return nil, fmt.Errorf("%w: bad record %s/%d", models.ErrArchiveCorrupt, r.ConversationID, r.Seq)
		}
	}
	return &a, nil
}
