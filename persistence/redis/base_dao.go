package redis

import (
	"fmt"
	"strings"

	rd "github.com/go-redis/redis/v9"
)

// Config addresses a single node or a cluster. Namespace prefixes every key
// and defaults to orchy.
type Config struct {
	Addrs     []string
	Namespace string
	Password  string
	PoolSize  int
}

type baseDao struct {
	redisClient rd.UniversalClient
	namespace   string
}

// newBaseDao wraps the namespace in a hash tag so every key of one
// deployment lands in the same cluster slot and scripts may touch any of them.
func newBaseDao(conf Config) *baseDao {
	redisClient := rd.NewUniversalClient(&rd.UniversalOptions{
		Addrs:    conf.Addrs,
		Password: conf.Password,
		PoolSize: conf.PoolSize,
	})
	namespace := conf.Namespace
	if namespace == "" {
		namespace = "orchy"
	}
	return &baseDao{
		redisClient: redisClient,
		namespace:   "{" + namespace + "}",
	}
}

func (bs *baseDao) getNamespaceKey(args ...string) string {
	return fmt.Sprintf("%s:%s", bs.namespace, strings.Join(args, ":"))
}

// prefix is handed to scripts that derive keys from ids they read.
func (bs *baseDao) prefix() string {
	return bs.namespace + ":"
}
