package user

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Token lifetimes. Access tokens are short on purpose: the client's
// refresh-and-retry machinery gets exercised constantly instead of
// once a day.
const (
	accessTTL          = 15 * time.Minute
	refreshTTL         = 24 * time.Hour
	refreshRememberTTL = 30 * 24 * time.Hour
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

var ErrInvalidToken = errors.New("user: invalid token")

type Service struct {
	repo      *Repository
	jwtSecret string
}

type Claims struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

func NewService(repo *Repository, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username: req.Username,
		Password: string(hashedPwd),
	}
	if _, err := s.repo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return &User{ID: u.ID, Username: u.Username}, nil
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, err
	}

	access, err := s.sign(u.ID, u.Username, tokenTypeAccess, accessTTL)
	if err != nil {
		return nil, err
	}
	ttl := refreshTTL
	if req.Remember {
		ttl = refreshRememberTTL
	}
	refresh, err := s.sign(u.ID, u.Username, tokenTypeRefresh, ttl)
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		ID:           u.ID,
		Username:     u.Username,
	}, nil
}

// Refresh exchanges a valid refresh token for a fresh access token. The
// refresh token itself is not rotated; it keeps its original lifetime.
func (s *Service) Refresh(refreshToken string) (*RefreshResponse, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != tokenTypeRefresh {
		return nil, ErrInvalidToken
	}

	access, err := s.sign(claims.ID, claims.Username, tokenTypeAccess, accessTTL)
	if err != nil {
		return nil, err
	}
	return &RefreshResponse{AccessToken: access}, nil
}

// ValidateAccess checks an access token and returns the identity it
// carries plus its expiry. The websocket layer uses the expiry to cut
// the connection off when the credential lapses.
func (s *Service) ValidateAccess(tokenString string) (int, string, time.Time, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return 0, "", time.Time{}, err
	}
	if claims.TokenType != tokenTypeAccess {
		return 0, "", time.Time{}, ErrInvalidToken
	}
	return claims.ID, claims.Username, claims.ExpiresAt.Time, nil
}

func (s *Service) sign(id int, username, tokenType string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		ID:        id,
		Username:  username,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "go-chat-sync",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})
	if err != nil || !token.Valid || claims.ExpiresAt == nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}
