package session

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"reposcout/api/internal/auth"
)

const CookieName = "reposcout_session"

// maxMintAttempts bounds the retry loop when a generated id collides with a live one.
const maxMintAttempts = 5

// Identity is the correlation key shared by the HTTP, push-channel and
// callback surfaces of one browser session.
type Identity struct {
	ID string
	// Minted is true when this request created the identity.
	Minted bool
}

type Issuer struct {
	key      []byte
	ttl      time.Duration
	secure   bool
	registry Registry
	logger   *zap.Logger
	newID    func() string
}

func NewIssuer(key []byte, ttl time.Duration, registry Registry, logger *zap.Logger) *Issuer {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Issuer{
		key:      key,
		ttl:      ttl,
		registry: registry,
		logger:   logger,
		newID:    uuid.NewString,
	}
}

// SecureCookies marks issued cookies Secure; enable behind TLS.
func (i *Issuer) SecureCookies(secure bool) {
	i.secure = secure
}

func (i *Issuer) Registry() Registry {
	return i.registry
}

// Lookup returns the identity carried by the request's session cookie, if any.
// It never mints.
func (i *Issuer) Lookup(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	clientID, err := auth.ParseToken(i.key, cookie.Value)
	if err != nil {
		return "", false
	}
	return clientID, true
}

// EnsureIdentity returns the identity of the session behind r, minting a
// fresh one when the session carries none. When an identity is minted the
// returned cookie must be sent back to the client.
func (i *Issuer) EnsureIdentity(ctx context.Context, r *http.Request) (Identity, *http.Cookie) {
	if clientID, ok := i.Lookup(r); ok {
		if _, err := i.registry.Touch(ctx, clientID, i.ttl); err != nil {
			i.logger.Warn("session touch failed", zap.String("client_id", clientID), zap.Error(err))
		}
		return Identity{ID: clientID}, nil
	}

	clientID := i.mint(ctx)
	token, err := auth.IssueToken(i.key, clientID, i.ttl)
	if err != nil {
		// Only reachable with an empty id; the identity is still usable for this request.
		i.logger.Error("session token issue failed", zap.Error(err))
		return Identity{ID: clientID, Minted: true}, nil
	}
	cookie := &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(i.ttl.Seconds()),
		HttpOnly: true,
		Secure:   i.secure,
		SameSite: http.SameSiteLaxMode,
	}
	i.logger.Info("client identity issued", zap.String("client_id", clientID))
	return Identity{ID: clientID, Minted: true}, cookie
}

func (i *Issuer) mint(ctx context.Context) string {
	var clientID string
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		clientID = i.newID()
		created, err := i.registry.Register(ctx, clientID, i.ttl)
		if err != nil {
			i.logger.Warn("session registry unavailable", zap.Error(err))
			return clientID
		}
		if created {
			return clientID
		}
		i.logger.Warn("client identity collision", zap.String("client_id", clientID))
	}
	return clientID
}

// Middleware attaches the identity found in the session cookie, if any, to
// the request context.
func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if clientID, ok := i.Lookup(r); ok {
			r = r.WithContext(WithClientID(r.Context(), clientID))
		}
		next.ServeHTTP(w, r)
	})
}
