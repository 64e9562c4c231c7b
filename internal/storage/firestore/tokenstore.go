package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-outbox-dispatcher/pkg/outbox"
)

// TargetStore resolves device tokens kept in Firestore under users/{recipientID}/devices.
type TargetStore struct {
	client *firestore.Client
}

var _ dispatch.TargetResolver = (*TargetStore)(nil)

func NewTargetStore(client *firestore.Client) *TargetStore {
	return &TargetStore{client: client}
}

// deviceRecord is the internal DB representation.
type deviceRecord struct {
	Token     string    `firestore:"token"`
	Active    bool      `firestore:"is_active"`
	Platform  string    `firestore:"platform,omitempty"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *TargetStore) Resolve(ctx context.Context, recipientID string) ([]outbox.Target, error) {
	iter := s.devicesCollection(recipientID).Where("is_active", "==", true).Documents(ctx)
	defer iter.Stop()

	targets := make([]outbox.Target, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: firestore iteration failed: %v", outbox.ErrStore, err)
		}

		var record deviceRecord
		if err := doc.DataTo(&record); err != nil {
			// Corrupt rows are skipped rather than failing the whole recipient.
			continue
		}
		if record.Token == "" {
			continue
		}
		targets = append(targets, outbox.Target{Token: record.Token, Active: record.Active})
	}
	return targets, nil
}

// PutDevice writes a device document. Registration belongs to the app backend; this exists
// for seeding and local runs.
func (s *TargetStore) PutDevice(ctx context.Context, recipientID, token string, active bool) error {
	record := deviceRecord{
		Token:     token,
		Active:    active,
		Platform:  "fcm",
		UpdatedAt: time.Now(),
	}
	_, err := s.devicesCollection(recipientID).Doc(hashToken(token)).Set(ctx, record)
	return err
}

// devicesCollection: users/{recipientID}/devices
func (s *TargetStore) devicesCollection(recipientID string) *firestore.CollectionRef {
	return s.client.Collection("users").Doc(recipientID).Collection("devices")
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
