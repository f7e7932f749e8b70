// Package drafts mirrors unsaved field edits into Redis so a crashed or restarted
// server can replay them when the issue is opened again.
package drafts

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"scriptdesk/api/internal/persist"
	"scriptdesk/api/internal/script"
)

// DefaultTTL bounds how long an abandoned issue keeps its drafts.
const DefaultTTL = 7 * 24 * time.Hour

type draft struct {
	Kind  script.Kind `json:"kind"`
	Value string      `json:"value"`
}

// removeIfUnchanged deletes each field only while it still holds the value being
// cleared, so a newer keystroke mirrored in between survives.
var removeIfUnchanged = redis.NewScript(`
local removed = 0
for i = 1, #ARGV, 2 do
  if redis.call("HGET", KEYS[1], ARGV[i]) == ARGV[i + 1] then
    removed = removed + redis.call("HDEL", KEYS[1], ARGV[i])
  end
end
return removed
`)

// RedisStore keeps one hash per issue, keyed by "<entity id>/<field>".
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "drafts:", ttl: DefaultTTL}
}

func (s *RedisStore) key(issueID string) string {
	return s.prefix + issueID
}

func hashField(id, field string) string {
	return id + "/" + field
}

func encode(edit persist.Edit) (string, error) {
	data, err := json.Marshal(draft{Kind: edit.Kind, Value: edit.Value})
	if err != nil {
		return "", fmt.Errorf("marshal draft: %w", err)
	}
	return string(data), nil
}

func (s *RedisStore) Put(ctx context.Context, issueID string, edit persist.Edit) error {
	if edit.Ref.IsTemporary() {
		return fmt.Errorf("mirror draft for %s: entity not persisted yet", edit.Ref)
	}
	value, err := encode(edit)
	if err != nil {
		return err
	}
	key := s.key(issueID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, hashField(edit.Ref.ID(), edit.Field), value)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, issueID string, edits []persist.Edit) error {
	if len(edits) == 0 {
		return nil
	}
	args := make([]any, 0, len(edits)*2)
	for _, edit := range edits {
		value, err := encode(edit)
		if err != nil {
			return err
		}
		args = append(args, hashField(edit.Ref.ID(), edit.Field), value)
	}
	if err := removeIfUnchanged.Run(ctx, s.client, []string{s.key(issueID)}, args...).Err(); err != nil {
		return fmt.Errorf("clear drafts: %w", err)
	}
	return nil
}

// List returns every mirrored edit of issueID ordered by entity id then field.
func (s *RedisStore) List(ctx context.Context, issueID string) ([]persist.Edit, error) {
	entries, err := s.client.HGetAll(ctx, s.key(issueID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	edits := make([]persist.Edit, 0, len(entries))
	for name, raw := range entries {
		id, field, ok := strings.Cut(name, "/")
		if !ok {
			continue
		}
		var d draft
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("unmarshal draft %s: %w", name, err)
		}
		if !d.Kind.Valid() || !d.Kind.HasField(field) {
			continue
		}
		edits = append(edits, persist.Edit{Ref: script.Persisted(id), Kind: d.Kind, Field: field, Value: d.Value})
	}
	sortEdits(edits)
	return edits, nil
}

// Purge drops every draft of issueID.
func (s *RedisStore) Purge(ctx context.Context, issueID string) error {
	if err := s.client.Del(ctx, s.key(issueID)).Err(); err != nil {
		return fmt.Errorf("purge drafts: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func sortEdits(edits []persist.Edit) {
	sort.Slice(edits, func(i, j int) bool {
		if edits[i].Ref.ID() != edits[j].Ref.ID() {
			return edits[i].Ref.ID() < edits[j].Ref.ID()
		}
		return edits[i].Field < edits[j].Field
	})
}
