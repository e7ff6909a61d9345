package gateway

import "context"

type ctxKey struct{}

func withClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func clientFromContext(ctx context.Context) *Client {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(ctxKey{}).(*Client)
	return c
}
