package authcore

import "context"

type sourceAddrContextKey struct{}
type clientSignatureContextKey struct{}

// WithSourceAddr attaches the caller's network address to ctx. The Engine
// uses it for fingerprint derivation, audit logging, and the suspicious
// activity heuristic.
func WithSourceAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, sourceAddrContextKey{}, addr)
}

// WithClientSignature attaches the client signature string (user-agent
// equivalent) to ctx. Together with the source address it identifies the
// device a login originates from.
func WithClientSignature(ctx context.Context, signature string) context.Context {
	return context.WithValue(ctx, clientSignatureContextKey{}, signature)
}

func sourceAddrFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	addr, _ := ctx.Value(sourceAddrContextKey{}).(string)
	return addr
}

func clientSignatureFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	sig, _ := ctx.Value(clientSignatureContextKey{}).(string)
	return sig
}
