package store

import (
	"context"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyStore is the remote TTL-capable backend.
type ValkeyStore struct {
	client valkey.Client
}

func NewValkeyStore(client valkey.Client) *ValkeyStore {
	return &ValkeyStore{client: client}
}

func (v *ValkeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp := v.client.Do(ctx, v.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return resp.AsBytes()
}

func (v *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return v.client.Do(
		ctx, v.client.B().Set().
			Key(key).
			Value(valkey.BinaryString(value)).
			Ex(ttl).
			Build(),
	).Error()
}

func (v *ValkeyStore) Delete(ctx context.Context, key string) error {
	return v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error()
}

func (v *ValkeyStore) DeletePattern(ctx context.Context, glob string) (int, error) {
	keys, err := v.Keys(ctx, glob)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := v.client.Do(ctx, v.client.B().Del().Key(keys...).Build()).AsInt64()
	if err != nil {
		return 0, err
	}
	return int(deleted), nil
}

func (v *ValkeyStore) Keys(ctx context.Context, glob string) ([]string, error) {
	var keys []string
	cursor := uint64(0)
	for {
		resp := v.client.Do(ctx, v.client.B().Scan().
			Cursor(cursor).
			Match(glob).
			Count(256).
			Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, err
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}
