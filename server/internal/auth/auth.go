package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/NeuralForge6000/goop-utilities/internal/logger"
	"github.com/NeuralForge6000/goop-utilities/internal/syncapi"
	"github.com/NeuralForge6000/goop-utilities/server/internal/database"
)

type contextKey string

const accountKey contextKey = "account"

// keyPrefix starts every API key; the account ID follows, then the secret
const keyPrefix = "goop_"

// HashSecret hashes an API key secret using bcrypt
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckSecret compares a secret with a hash
func CheckSecret(secret, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	return err == nil
}

// GenerateAPIKey returns a new key for accountID and the hash to store
func GenerateAPIKey(accountID string) (key, hash string, err error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", err
	}
	secret := hex.EncodeToString(bytes)

	hash, err = HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return keyPrefix + accountID + "_" + secret, hash, nil
}

// ParseAPIKey splits a key into its account ID and secret
func ParseAPIKey(key string) (accountID, secret string, ok bool) {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return "", "", false
	}
	accountID, secret, ok = strings.Cut(rest, "_")
	if !ok || accountID == "" || secret == "" {
		return "", "", false
	}
	return accountID, secret, true
}

// CreateAccount registers an account and returns it with its plaintext API
// key, which is not stored anywhere
func CreateAccount(db *database.DB, name string) (*database.Account, string, error) {
	account := &database.Account{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
	}

	key, hash, err := GenerateAPIKey(account.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate API key: %w", err)
	}
	account.KeyHash = hash

	if err := db.CreateAccount(account); err != nil {
		return nil, "", fmt.Errorf("failed to create account: %w", err)
	}
	return account, key, nil
}

// Middleware authenticates sync clients
type Middleware struct {
	db *database.DB
}

// NewMiddleware creates a new auth middleware
func NewMiddleware(db *database.DB) *Middleware {
	return &Middleware{db: db}
}

// RequireAPIKey middleware requires a valid API key
func (m *Middleware) RequireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			// Try Authorization: Bearer token
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			unauthorized(w, "API key required")
			return
		}

		accountID, secret, ok := ParseAPIKey(apiKey)
		if !ok {
			unauthorized(w, "Invalid API key")
			return
		}

		account, err := m.db.GetAccountByID(accountID)
		if err != nil {
			logger.FromContext(r.Context()).Error("account lookup failed", zap.Error(err))
		}
		if err != nil || account == nil || !CheckSecret(secret, account.KeyHash) {
			unauthorized(w, "Invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), accountKey, account)
		ctx = logger.With(ctx, zap.String("account", account.ID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAccount returns the authenticated account from context
func GetAccount(ctx context.Context) *database.Account {
	if a, ok := ctx.Value(accountKey).(*database.Account); ok {
		return a
	}
	return nil
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(syncapi.Response{Error: message})
}
