package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreBackend implements StorageBackend using Google Cloud Firestore.
// Sessions live in a top-level collection; turns live in a per-session
// subcollection ordered by sequence number. Documents store the record as
// a JSON blob so the wire shape stays identical across backends.
type FirestoreBackend struct {
	client     *firestore.Client
	collection string
	mu         sync.RWMutex
	closed     bool
}

// FirestoreConfig holds Firestore connection configuration.
type FirestoreConfig struct {
	// ProjectID is the GCP project ID (required).
	ProjectID string
	// CredentialsFile is a path to service account credentials.
	// When empty, Application Default Credentials are used.
	CredentialsFile string
	// Collection is the sessions collection name (default: "autoyou_sessions").
	Collection string
}

// sessionDoc is the Firestore document shape for session metadata.
type sessionDoc struct {
	Data         []byte    `firestore:"data"`
	Expired      bool      `firestore:"expired"`
	LastActiveAt time.Time `firestore:"lastActiveAt"`
}

// turnDoc is the Firestore document shape for a turn.
// Seq is duplicated out of the blob for ordering queries.
type turnDoc struct {
	Seq  int64  `firestore:"seq"`
	Data []byte `firestore:"data"`
}

// NewFirestoreBackend creates a new Firestore storage backend.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project ID is required")
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "autoyou_sessions"
	}

	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return &FirestoreBackend{
		client:     client,
		collection: collection,
	}, nil
}

func (b *FirestoreBackend) sessionRef(sessionID string) *firestore.DocumentRef {
	return b.client.Collection(b.collection).Doc(sessionID)
}

func (b *FirestoreBackend) turnsRef(sessionID string) *firestore.CollectionRef {
	return b.sessionRef(sessionID).Collection("turns")
}

// SaveSession creates or updates session metadata.
func (b *FirestoreBackend) SaveSession(ctx context.Context, meta *Metadata) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	doc := sessionDoc{
		Data:         data,
		Expired:      meta.Expired,
		LastActiveAt: meta.LastActiveAt,
	}
	if _, err := b.sessionRef(meta.ID).Set(ctx, doc); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession retrieves session metadata by ID.
func (b *FirestoreBackend) LoadSession(ctx context.Context, sessionID string) (*Metadata, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	snap, err := b.sessionRef(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrUnknownSession
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var doc sessionDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(doc.Data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// DeleteSession removes a session and all its turns.
func (b *FirestoreBackend) DeleteSession(ctx context.Context, sessionID string) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	// Delete turn documents first; Firestore does not cascade.
	iter := b.turnsRef(sessionID).Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("iterate turns: %w", err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("delete turn: %w", err)
		}
	}

	if _, err := b.sessionRef(sessionID).Delete(ctx); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListSessions returns session metadata matching the filter options.
func (b *FirestoreBackend) ListSessions(ctx context.Context, opts ListOptions) ([]*Metadata, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	query := b.client.Collection(b.collection).
		OrderBy("lastActiveAt", firestore.Desc)
	if !opts.IncludeExpired {
		query = query.Where("expired", "==", false)
	}
	if opts.Offset > 0 {
		query = query.Offset(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var sessions []*Metadata
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate sessions: %w", err)
		}

		var doc sessionDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode session document: %w", err)
		}

		var meta Metadata
		if err := json.Unmarshal(doc.Data, &meta); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		sessions = append(sessions, &meta)
	}

	return sessions, nil
}

// AppendTurn adds a turn to a session.
func (b *FirestoreBackend) AppendTurn(ctx context.Context, sessionID string, turn *Turn) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrStorageClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}

	doc := turnDoc{
		Seq:  int64(turn.Seq), // #nosec G115 - per-session sequence numbers stay far below int64 range
		Data: data,
	}

	docID := fmt.Sprintf("%020d", turn.Seq)
	if _, err := b.turnsRef(sessionID).Doc(docID).Create(ctx, doc); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return fmt.Errorf("turn %d already recorded for session %s", turn.Seq, sessionID)
		}
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// LoadTurns retrieves all turns for a session in sequence order.
func (b *FirestoreBackend) LoadTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrStorageClosed
	}
	b.mu.RUnlock()

	iter := b.turnsRef(sessionID).OrderBy("seq", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var turns []*Turn
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate turns: %w", err)
		}

		var doc turnDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode turn document: %w", err)
		}

		var turn Turn
		if err := json.Unmarshal(doc.Data, &turn); err != nil {
			return nil, fmt.Errorf("unmarshal turn: %w", err)
		}
		turns = append(turns, &turn)
	}

	return turns, nil
}

// Close releases resources held by the backend.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true
	return b.client.Close()
}
