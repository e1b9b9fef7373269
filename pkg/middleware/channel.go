package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
)

type channelKey struct{}

var ChannelContextKey = channelKey{}

const APIKeyHeader = "X-API-Key"

// deriveChannelFromAPIKey maps the API key prefix to the calling channel.
func deriveChannelFromAPIKey(key string) string {
	switch {
	case strings.HasPrefix(key, "pos_"):
		return "pos"
	case strings.HasPrefix(key, "web_"):
		return "online"
	case strings.HasPrefix(key, "partner_"):
		return "partner"
	default:
		return "api"
	}
}

// Channel stores the request channel in the request context.
func Channel() gin.HandlerFunc {
	return func(c *gin.Context) {
		channel := deriveChannelFromAPIKey(c.GetHeader(APIKeyHeader))
		ctx := WithChannel(c.Request.Context(), channel)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelContextKey, channel)
}

func FromChannel(ctx context.Context, want string) bool {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	return ok && ch == want
}

// ChannelFromContext reports the channel set by Channel, if any.
func ChannelFromContext(ctx context.Context) (string, bool) {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	return ch, ok
}

// GetChannel returns the current channel, "api" when unset.
func GetChannel(ctx context.Context) string {
	ch, ok := ctx.Value(ChannelContextKey).(string)
	if !ok {
		return "api"
	}
	return ch
}
