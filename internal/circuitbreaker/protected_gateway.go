package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/familypush/internal/expo"
)

// Gateway is the send surface of the push gateway client.
type Gateway interface {
	Send(ctx context.Context, msgs []expo.Message) ([]expo.Ticket, error)
}

// ProtectedGateway guards a Gateway with a breaker. Only whole-request
// errors count as failures; error tickets inside a successful response are
// device problems, not gateway problems.
type ProtectedGateway struct {
	gateway Gateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedGateway wraps gateway with breaker.
func NewProtectedGateway(gateway Gateway, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gateway: gateway,
		breaker: breaker,
		logger:  logger,
	}
}

// Send forwards to the wrapped gateway unless the breaker is open.
func (p *ProtectedGateway) Send(ctx context.Context, msgs []expo.Message) ([]expo.Ticket, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push batch",
			zap.String("breaker", p.breaker.Name()),
			zap.Int("messages", len(msgs)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s gateway unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	tickets, err := p.gateway.Send(ctx, msgs)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		return nil, err
	}

	p.breaker.RecordSuccess()
	return tickets, nil
}

// Breaker returns the underlying circuit breaker for status reporting.
func (p *ProtectedGateway) Breaker() *CircuitBreaker {
	return p.breaker
}
