package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB is the console's local store, backed by BoltDB. It keeps the bearer token between runs and
// archives finalized conversations so they can be listed later.
type BoltDB struct {
	db *bolt.DB

	now func() time.Time
}

var (
	authBucket          = []byte("auth")
	conversationsBucket = []byte("conversations")

	tokenKey = []byte("token")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{authBucket, conversationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db, now: time.Now}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Token implements TokenSource. It returns the stored token, or an empty string if none is stored or
// the stored token has expired.
func (b BoltDB) Token(context.Context) (string, error) {
	var token string
	err := b.db.View(func(tx *bolt.Tx) error {
		token = string(tx.Bucket(authBucket).Get(tokenKey))
		return nil
	})
	if err != nil {
		return "", err
	}
	if token != "" && tokenExpired(token, b.now()) {
		return "", nil
	}
	return token, nil
}

// SetToken stores token, replacing any previous one.
func (b BoltDB) SetToken(_ context.Context, token string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(tokenKey, []byte(token))
	})
}

// ClearToken removes the stored token.
func (b BoltDB) ClearToken(context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Delete(tokenKey)
	})
}

// Conversations retrieves every archived conversation, most recently updated first.
func (b BoltDB) Conversations(context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			convs = append(convs, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return b.Updated.Compare(a.Updated)
	})
	return convs, nil
}

// Conversation retrieves a single archived conversation. The boolean is false if it doesn't exist.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, bool, error) {
	var conv models.Conversation
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &conv)
	})
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, found, nil
}

// SaveConversation stores conv under its ID, replacing any previous version. Unfrozen messages are not
// archived.
func (b BoltDB) SaveConversation(_ context.Context, conv models.Conversation) error {
	if conv.ID == "" {
		return fmt.Errorf("conversation id is required")
	}

	conv.Messages = slices.DeleteFunc(slices.Clone(conv.Messages), func(m models.Message) bool {
		return !m.Frozen
	})
	if conv.Updated.IsZero() {
		conv.Updated = b.now()
	}

	v, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).Put([]byte(conv.ID), v)
	})
}
