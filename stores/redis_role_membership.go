package stores

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisRoleMembershipStore stores user->roles in Redis sets (key: rls:members:{userID})
type RedisRoleMembershipStore struct {
	client redis.UniversalClient
	keyFmt string
}

func NewRedisRoleMembershipStore(client redis.UniversalClient) *RedisRoleMembershipStore {
	return &RedisRoleMembershipStore{client: client, keyFmt: "rls:members:%s"}
}

func (r *RedisRoleMembershipStore) key(userID string) string {
	return fmt.Sprintf(r.keyFmt, userID)
}

func (r *RedisRoleMembershipStore) AssignRole(ctx context.Context, userID, roleID string) error {
	return r.client.SAdd(ctx, r.key(userID), roleID).Err()
}

func (r *RedisRoleMembershipStore) RevokeRole(ctx context.Context, userID, roleID string) error {
	return r.client.SRem(ctx, r.key(userID), roleID).Err()
}

func (r *RedisRoleMembershipStore) ListRoles(ctx context.Context, userID string) ([]string, error) {
	res, err := r.client.SMembers(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(res)
	return res, nil
}
