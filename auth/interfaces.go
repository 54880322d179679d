package auth

import "context"

// Tokens is the result of a successful refresh or login exchange.
// RefreshToken is empty when the server did not rotate it.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// Exchanger defines the contract for any component that can trade a refresh
// token for new tokens over the network.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (Tokens, error)
}

// ExchangerFunc adapts a plain function to Exchanger.
type ExchangerFunc func(ctx context.Context, refreshToken string) (Tokens, error)

func (f ExchangerFunc) Exchange(ctx context.Context, refreshToken string) (Tokens, error) {
	return f(ctx, refreshToken)
}

// Credentials is the owner of the in-memory credential pair. The coordinator
// reads the refresh token through it and asks it to apply results; it never
// writes storage itself.
//
// Every owner mutation advances an epoch. Writes tagged with an older epoch
// must be rejected, so a refresh that started before a logout or a new login
// cannot resurrect or wipe the newer state.
type Credentials interface {
	// RefreshSnapshot returns the current refresh token and epoch.
	RefreshSnapshot() (refreshToken string, epoch uint64)
	// ApplyRefresh stores the exchanged tokens if epoch is still current.
	ApplyRefresh(ctx context.Context, epoch uint64, tokens Tokens) bool
	// Invalidate clears both credentials if epoch is still current.
	Invalidate(ctx context.Context, epoch uint64) bool
}
