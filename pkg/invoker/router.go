package invoker

import (
	"context"
	"strings"
	"time"
)

// RouterInvoker sends http(s) refs to an HTTPInvoker and everything else to
// a FuncInvoker registry. This lets one pipeline mix remote task endpoints
// with built-in tasks like "wait".
type RouterInvoker struct {
	HTTP *HTTPInvoker
	Func *FuncInvoker
}

func NewRouterInvoker() *RouterInvoker {
	return &RouterInvoker{
		HTTP: NewHTTPInvoker(),
		Func: NewFuncInvoker(),
	}
}

func (r *RouterInvoker) Invoke(ctx context.Context, ref, key string, payload map[string]interface{}, timeout time.Duration) (*Response, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return r.HTTP.Invoke(ctx, ref, key, payload, timeout)
	}
	return r.Func.Invoke(ctx, ref, key, payload, timeout)
}
