package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/option"
)

const tokenAudience = "profilesync"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// Principal is the caller a bearer token was issued to.
type Principal struct {
	UserID string
	Email  string
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

type tokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// HS256Verifier accepts tokens signed with a shared secret, such as the ones
// printed by `profilesync-server token`.
type HS256Verifier struct {
	secret []byte
	now    func() time.Time
}

func NewHS256Verifier(secret string) *HS256Verifier {
	return &HS256Verifier{secret: []byte(secret), now: time.Now}
}

func (v *HS256Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return Principal{}, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, errors.New("missing sub claim")
	}
	return Principal{UserID: claims.Subject, Email: claims.Email}, nil
}

// IssueHS256Token signs a token for userID that NewHS256Verifier(secret)
// accepts until now+ttl.
func IssueHS256Token(secret, userID, email string, ttl time.Duration, now time.Time) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	claims := tokenClaims{
		Email: strings.TrimSpace(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// FirebaseVerifier accepts Firebase Authentication ID tokens.
type FirebaseVerifier struct {
	client *firebaseauth.Client
}

func NewFirebaseVerifier(ctx context.Context, credentialsPath string) (*FirebaseVerifier, error) {
	if strings.TrimSpace(credentialsPath) == "" {
		return nil, errors.New("firebase credentials path is required")
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsPath))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get Auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	decoded, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	email, _ := decoded.Claims["email"].(string)
	return Principal{UserID: decoded.UID, Email: email}, nil
}

// ChainVerifier returns the principal of the first verifier that accepts the
// token.
type ChainVerifier []TokenVerifier

func (c ChainVerifier) Verify(ctx context.Context, token string) (Principal, error) {
	var errs []error
	for _, verifier := range c {
		if verifier == nil {
			continue
		}
		principal, err := verifier.Verify(ctx, token)
		if err == nil {
			return principal, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Principal{}, errors.New("no token verifier configured")
	}
	return Principal{}, errors.Join(errs...)
}

func authorizeBearer(ctx context.Context, authHeader string, verifier TokenVerifier, userID string) (Principal, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return Principal{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	principal, err := verifier.Verify(ctx, raw)
	if err != nil {
		message := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			message = "token expired"
		}
		return Principal{}, &authError{status: 401, code: "unauthorized", message: message}
	}
	if userID != "" && principal.UserID != userID {
		return Principal{}, &authError{
			status:  403,
			code:    "forbidden",
			message: "user mismatch",
		}
	}
	return principal, nil
}
