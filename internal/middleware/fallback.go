package middleware

import (
	"context"
	"errors"

	"github.com/abhi9avx/cognigraph-ai/pkg/contracts"
	"github.com/abhi9avx/cognigraph-ai/pkg/models"
	"github.com/rs/zerolog/log"
)

// ModelFallback retries a failed model call once per fallback model, in
// order. Only gateway errors are retried.
type ModelFallback struct {
	models []string
}

// NewModelFallback creates a fallback stage.
func NewModelFallback(fallbacks ...string) *ModelFallback {
	return &ModelFallback{models: fallbacks}
}

func (f *ModelFallback) Name() string { return "model_fallback" }
func (f *ModelFallback) Kind() Kind   { return KindModelFallback }

// Models returns the fallback models in order.
func (f *ModelFallback) Models() []string { return append([]string(nil), f.models...) }

func (f *ModelFallback) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *models.ModelRequest) (*models.GatewayResult, error) {
		res, err := next(ctx, req)
		for _, model := range f.models {
			if err == nil || !fallbackable(ctx, err) {
				break
			}
			log.Warn().
				Str("failed_model", req.Model).
				Str("fallback_model", model).
				Err(err).
				Msg("Model call failed, trying fallback")
			r := req.Clone()
			r.Model = model
			res, err = next(ctx, r)
		}
		return res, err
	}
}

func fallbackable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, contracts.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, contracts.ErrGateway)
}
