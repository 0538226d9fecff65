// Package auth issues and validates the JWTs guarding the HTTP API.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUsernameTaken      = errors.New("username already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
)

const tokenLifetime = 24 * time.Hour

type Module struct {
	db     *pgxpool.Pool
	secret string
}

func NewModule(db *pgxpool.Pool, secret string) *Module {
	return &Module{db: db, secret: secret}
}

func (a *Module) createUser(ctx context.Context, username, password, email string) (int, error) {
	var exists bool
	err := a.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE username = $1)", username).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, ErrUsernameTaken
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}

	var userID int
	err = a.db.QueryRow(ctx,
		"INSERT INTO users (username, password, email) VALUES ($1, $2, $3) RETURNING id",
		username, string(hashed), email,
	).Scan(&userID)
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func (a *Module) generateJWT(userID int) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.Add(tokenLifetime).Unix(),
		"iat":     now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.secret))
}

// Register creates a user and returns a signed token for them.
func (a *Module) Register(ctx context.Context, username, password, email string) (string, error) {
	userID, err := a.createUser(ctx, username, password, email)
	if err != nil {
		return "", err
	}
	return a.generateJWT(userID)
}

// Login verifies credentials and returns a signed token.
func (a *Module) Login(ctx context.Context, username, password string) (string, error) {
	var userID int
	var passwordHash string
	err := a.db.QueryRow(ctx, "SELECT id, password FROM users WHERE username = $1", username).Scan(&userID, &passwordHash)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return a.generateJWT(userID)
}

// ValidateToken checks the signature and expiry and returns the user ID.
func (a *Module) ValidateToken(token string) (int, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.secret), nil
	})
	if err != nil {
		return 0, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(float64)
	if !ok {
		return 0, ErrInvalidToken
	}
	return int(userID), nil
}
