// Package storage persists subscribers and the last notified segment
// fingerprints, either as JSON objects in Cloud Storage (or a local
// directory) or in SQLite.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"substitute-notifier/pkg/plan"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when a subscriber or object does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// IsNotFound checks if an error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

const (
	subscriberPrefix = "sub-"
	statePrefix      = "state-"
)

// SubscriberID derives a deterministic, unguessable id from a delivery
// descriptor. Re-registering the same descriptor yields the same id. The
// descriptor is compared exactly: push endpoints are case-sensitive.
func SubscriberID(salt []byte, descriptor string) string {
	h := hmac.New(sha256.New, salt)
	h.Write([]byte(strings.TrimSpace(descriptor)))
	return hex.EncodeToString(h.Sum(nil))
}

// EmailSubscriberID is SubscriberID for an email address, ignoring case.
func EmailSubscriberID(salt []byte, addr string) string {
	return SubscriberID(salt, "mailto:"+strings.ToLower(strings.TrimSpace(addr)))
}

// ValidID reports whether id has the shape SubscriberID produces. Every
// character is checked so the time taken does not depend on the input.
func ValidID(id string) bool {
	if len(id) != 64 {
		return false
	}
	valid := true
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			valid = false
		}
	}
	return valid
}

func subscriberKey(id string) string {
	if !ValidID(id) {
		return ""
	}
	return subscriberPrefix + id + ".json"
}

func stateKey(wd plan.Weekday) string {
	return statePrefix + string(wd) + ".json"
}

// Store keeps JSON objects in a bucket, or in localPath when set.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. With a non-empty localPath the client
// may be nil.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30 * time.Second),
		retry.MaxJitter(5 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		tmp := filepath.Join(s.localPath, "."+key+".tmp")
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, filepath.Join(s.localPath, key)); err != nil {
			return fmt.Errorf("rename in local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "put", key)...,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, key))
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()
			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "get", key)...,
	)
	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(filepath.Join(s.localPath, key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if err := s.client.Bucket(s.bucket).Object(key).Delete(ctx); err != nil {
				// Deletion is idempotent.
				if errors.Is(err, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", err)
			}
			return nil
		},
		retryOptions(ctx, s.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// keys lists object names with prefix.
func (s *Store) keys(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			names = append(names, entry.Name())
		}
		return names, nil
	}

	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// UpsertSubscriber stores sub under its id.
func (s *Store) UpsertSubscriber(ctx context.Context, sub *plan.Subscriber) error {
	key := subscriberKey(sub.ID)
	if key == "" {
		return errors.New("invalid subscriber id")
	}
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}
	if err := s.put(ctx, key, data); err != nil {
		return err
	}
	s.logger.Info("Subscriber saved", "key", key, "segments", len(sub.Segments))
	return nil
}

// LoadSubscriber loads a subscriber by id.
func (s *Store) LoadSubscriber(ctx context.Context, id string) (*plan.Subscriber, error) {
	key := subscriberKey(id)
	if key == "" {
		return nil, ErrNotFound
	}
	return s.loadSubscriber(ctx, key)
}

func (s *Store) loadSubscriber(ctx context.Context, key string) (*plan.Subscriber, error) {
	data, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	var sub plan.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber %s: %w", key, err)
	}
	return &sub, nil
}

// DeleteSubscriber removes a subscriber. Missing subscribers are not an error.
func (s *Store) DeleteSubscriber(ctx context.Context, id string) error {
	key := subscriberKey(id)
	if key == "" {
		return errors.New("invalid subscriber id")
	}
	if err := s.remove(ctx, key); err != nil {
		return err
	}
	s.logger.Info("Subscriber deleted", "key", key)
	return nil
}

// ListSubscribers returns all subscribers. Unreadable objects are skipped.
func (s *Store) ListSubscribers(ctx context.Context) ([]*plan.Subscriber, error) {
	keys, err := s.keys(ctx, subscriberPrefix)
	if err != nil {
		return nil, err
	}
	subs := make([]*plan.Subscriber, 0, len(keys))
	for _, key := range keys {
		sub, err := s.loadSubscriber(ctx, key)
		if err != nil {
			s.logger.Warn("Failed to load subscriber", "key", key, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// PruneSubscribers deletes subscribers not refreshed since olderThan.
func (s *Store) PruneSubscribers(ctx context.Context, olderThan time.Time) (int, error) {
	subs, err := s.ListSubscribers(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, sub := range subs {
		if !sub.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := s.DeleteSubscriber(ctx, sub.ID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// LoadState reads the persisted fingerprints of every weekday.
func (s *Store) LoadState(ctx context.Context) (map[plan.Weekday]plan.Fingerprints, error) {
	state := make(map[plan.Weekday]plan.Fingerprints, len(plan.Weekdays))
	for _, wd := range plan.Weekdays {
		data, err := s.get(ctx, stateKey(wd))
		if IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var fps plan.Fingerprints
		if err := json.Unmarshal(data, &fps); err != nil {
			return nil, fmt.Errorf("unmarshal state %s: %w", wd, err)
		}
		state[wd] = fps
	}
	return state, nil
}

// SaveState replaces the persisted fingerprints of wd.
func (s *Store) SaveState(ctx context.Context, wd plan.Weekday, fps plan.Fingerprints) error {
	if fps == nil {
		fps = plan.Fingerprints{}
	}
	data, err := json.Marshal(fps)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.put(ctx, stateKey(wd), data); err != nil {
		return err
	}
	s.logger.Debug("Notification state saved", "weekday", wd, "segments", len(fps))
	return nil
}

// Close is a no-op; the Cloud Storage client is owned by the caller.
func (s *Store) Close() error { return nil }

// Backend is implemented by Store and SQLStore.
type Backend interface {
	UpsertSubscriber(ctx context.Context, sub *plan.Subscriber) error
	LoadSubscriber(ctx context.Context, id string) (*plan.Subscriber, error)
	DeleteSubscriber(ctx context.Context, id string) error
	ListSubscribers(ctx context.Context) ([]*plan.Subscriber, error)
	PruneSubscribers(ctx context.Context, olderThan time.Time) (int, error)
	LoadState(ctx context.Context) (map[plan.Weekday]plan.Fingerprints, error)
	SaveState(ctx context.Context, wd plan.Weekday, fps plan.Fingerprints) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*SQLStore)(nil)
)
