package repo

import (
	"context"
	"time"
)

const opTimeout = 5 * time.Second

// opCtx ограничивает запрос к БД, если вызывающий не задал дедлайн.
func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}
