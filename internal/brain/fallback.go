package brain

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// FallbackGateway tries a primary gateway first and falls back on error.
// Cancellation and deadline errors are returned as is.
type FallbackGateway struct {
	primary  Gateway
	fallback Gateway
	logger   *zap.Logger
}

func NewFallbackGateway(primary, fallback Gateway, logger *zap.Logger) *FallbackGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackGateway{primary: primary, fallback: fallback, logger: logger}
}

func (g *FallbackGateway) Primary() Gateway   { return g.primary }
func (g *FallbackGateway) Secondary() Gateway { return g.fallback }

func (g *FallbackGateway) Generate(ctx context.Context, req Request) (Response, error) {
	if g.primary == nil {
		if g.fallback != nil {
			return g.fallback.Generate(ctx, req)
		}
		return Response{}, errors.New("fallback gateway misconfigured")
	}

	resp, err := g.primary.Generate(ctx, req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || g.fallback == nil {
		return Response{}, err
	}

	g.logger.Warn("primary brain failed; trying fallback",
		zap.String("session_id", req.SessionKey),
		zap.Error(err),
	)
	fallbackResp, fallbackErr := g.fallback.Generate(ctx, req)
	if fallbackErr != nil {
		return Response{}, fmt.Errorf("primary gateway error: %w; fallback gateway error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}
