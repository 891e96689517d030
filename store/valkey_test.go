package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	valkeymock "github.com/valkey-io/valkey-go/mock"
	"go.uber.org/mock/gomock"
)

func TestValkeyStore(t *testing.T) {
	t.Run("Get", func(t *testing.T) {
		t.Run("returns stored value", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("GET", "user:42:profile")).
				Return(valkeymock.Result(valkeymock.ValkeyBlobString("payload")))

			value, err := store.Get(ctx, "user:42:profile")
			assert.NoError(t, err)
			assert.Equal(t, []byte("payload"), value)
		})

		t.Run("nil reply is a miss, not an error", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("GET", "user:42:profile")).
				Return(valkeymock.Result(valkeymock.ValkeyNil()))

			value, err := store.Get(ctx, "user:42:profile")
			assert.NoError(t, err)
			assert.Nil(t, value)
		})

		t.Run("propagates backend errors", func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()

			mockClient := valkeymock.NewClient(ctrl)
			store := NewValkeyStore(mockClient)
			ctx := context.Background()

			mockClient.EXPECT().
				Do(ctx, gomock.Any()).
				Return(valkeymock.ErrorResult(fmt.Errorf("connection refused")))

			_, err := store.Get(ctx, "user:42:profile")
			assert.Error(t, err)
		})
	})

	t.Run("Set uses EX for the TTL", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		store := NewValkeyStore(mockClient)
		ctx := context.Background()

		mockClient.EXPECT().
			Do(ctx, valkeymock.Match("SET", "user:42:profile", "payload", "EX", "300")).
			Return(valkeymock.Result(valkeymock.ValkeyString("OK")))

		err := store.Set(ctx, "user:42:profile", []byte("payload"), 300*time.Second)
		assert.NoError(t, err)
	})

	t.Run("Delete", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		store := NewValkeyStore(mockClient)
		ctx := context.Background()

		mockClient.EXPECT().
			Do(ctx, valkeymock.Match("DEL", "user:42:profile")).
			Return(valkeymock.Result(valkeymock.ValkeyInt64(1)))

		assert.NoError(t, store.Delete(ctx, "user:42:profile"))
	})

	t.Run("Keys scans until cursor is zero", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		store := NewValkeyStore(mockClient)
		ctx := context.Background()

		first := valkeymock.Result(valkeymock.ValkeyArray(
			valkeymock.ValkeyBlobString("7"),
			valkeymock.ValkeyArray(valkeymock.ValkeyBlobString("user:1:profile")),
		))
		second := valkeymock.Result(valkeymock.ValkeyArray(
			valkeymock.ValkeyBlobString("0"),
			valkeymock.ValkeyArray(valkeymock.ValkeyBlobString("user:2:profile")),
		))

		gomock.InOrder(
			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("SCAN", "0", "MATCH", "user:*", "COUNT", "256")).
				Return(first),
			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("SCAN", "7", "MATCH", "user:*", "COUNT", "256")).
				Return(second),
		)

		keys, err := store.Keys(ctx, "user:*")
		assert.NoError(t, err)
		assert.Equal(t, []string{"user:1:profile", "user:2:profile"}, keys)
	})

	t.Run("DeletePattern deletes scanned keys", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mockClient := valkeymock.NewClient(ctrl)
		store := NewValkeyStore(mockClient)
		ctx := context.Background()

		scan := valkeymock.Result(valkeymock.ValkeyArray(
			valkeymock.ValkeyBlobString("0"),
			valkeymock.ValkeyArray(
				valkeymock.ValkeyBlobString("user:42:profile"),
				valkeymock.ValkeyBlobString("user:42:followers"),
			),
		))

		gomock.InOrder(
			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("SCAN", "0", "MATCH", "user:42:*", "COUNT", "256")).
				Return(scan),
			mockClient.EXPECT().
				Do(ctx, valkeymock.Match("DEL", "user:42:profile", "user:42:followers")).
				Return(valkeymock.Result(valkeymock.ValkeyInt64(2))),
		)

		deleted, err := store.DeletePattern(ctx, "user:42:*")
		assert.NoError(t, err)
		assert.Equal(t, 2, deleted)
	})
}
