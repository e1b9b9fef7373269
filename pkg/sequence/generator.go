package sequence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"smallbiznis-loyalty/pkg/rediskey"
	"smallbiznis-loyalty/pkg/util"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

const TransactionPrefix = "TXN"

// Generator issues human readable transaction codes.
type Generator interface {
	NextTransactionCode(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
	now func() time.Time
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
		now: time.Now,
	}
}

// NextTransactionCode returns TXN-YYMMDD-<base36 daily seq><2 random>.
func (g *RedisGenerator) NextTransactionCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, TransactionPrefix)
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix string) (string, error) {
	now := g.now().UTC()
	today := now.Format("060102")
	key := rediskey.BuildSequenceKey(prefix, today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		endOfDay := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		_ = g.rdb.ExpireAt(ctx, key, endOfDay.Add(time.Hour)).Err()
	}

	encodedSeq := strings.ToUpper(strconv.FormatInt(seq, 36))
	if len(encodedSeq) < 3 {
		encodedSeq = strings.Repeat("0", 3-len(encodedSeq)) + encodedSeq
	}

	suffix, err := util.RandomString(util.Unambiguous, 2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s%s", prefix, today, encodedSeq, suffix), nil
}

// LocalGenerator produces codes without Redis: TXN-YYYYMMDD-<16 hex>.
type LocalGenerator struct{}

func NewLocalGenerator() Generator {
	return LocalGenerator{}
}

func (LocalGenerator) NextTransactionCode(context.Context) (string, error) {
	r, err := util.RandomHex(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", TransactionPrefix, time.Now().UTC().Format("20060102"), strings.ToUpper(r)), nil
}
