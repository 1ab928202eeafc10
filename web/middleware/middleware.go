package middleware

import (
	"errors"
	"fmt"
	"sync"
	"time"

	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ottermq/ottermon/internal/core/models"
	"github.com/ottermq/ottermon/internal/monitor/gui"
	"golang.org/x/crypto/bcrypt"
)

const (
	ContextKey  = "user"
	TokenCookie = "ottermon_token"

	RoleAdmin  = "admin"
	RoleViewer = "viewer"

	Anonymous = "anonymous"
)

func CORSMiddleware() fiber.Handler {
	return cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
	})
}

// JwtMiddleware accepts a bearer token or the login cookie.
func JwtMiddleware(secret string) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey:  jwtware.SigningKey{Key: []byte(secret)},
		ContextKey:  ContextKey,
		TokenLookup: "header:Authorization,cookie:" + TokenCookie,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{Error: "unauthorized: " + err.Error()})
		},
	})
}

// IssueToken signs a token for user with role.
func IssueToken(secret, user, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  user,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Identity returns the user and role of the verified token, empty when the
// request was not authenticated.
func Identity(c *fiber.Ctx) (user, role string) {
	token, ok := c.Locals(ContextKey).(*jwt.Token)
	if !ok {
		return "", ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ""
	}
	user, _ = claims["sub"].(string)
	role, _ = claims["role"].(string)
	return user, role
}

// RolePolicy lets admins run every action and nobody else any.
func RolePolicy(role string) gui.AccessPolicy {
	if role == RoleAdmin {
		return gui.AllowAll
	}
	return gui.DenyAll
}

// Access resolves who is calling and what they may do.
type Access func(c *fiber.Ctx) (actor string, policy gui.AccessPolicy)

// OpenAccess is used when authentication is disabled: everyone may act.
func OpenAccess(c *fiber.Ctx) (string, gui.AccessPolicy) {
	return Anonymous, gui.AllowAll
}

// TokenAccess derives the policy from the verified token.
func TokenAccess(c *fiber.Ctx) (string, gui.AccessPolicy) {
	user, role := Identity(c)
	if user == "" {
		return Anonymous, gui.DenyAll
	}
	return user, RolePolicy(role)
}

var ErrBadCredentials = errors.New("invalid username or password")

type account struct {
	hash []byte
	role string
}

// Users holds the accounts allowed to log in, passwords bcrypt hashed.
type Users struct {
	mu       sync.RWMutex
	accounts map[string]account
}

func NewUsers() *Users {
	return &Users{accounts: make(map[string]account)}
}

func (u *Users) Add(name, password, role string) error {
	if name == "" {
		return errors.New("username is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password for %s: %w", name, err)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.accounts[name] = account{hash: hash, role: role}
	return nil
}

// Authenticate returns the role of name when password matches.
func (u *Users) Authenticate(name, password string) (string, error) {
	u.mu.RLock()
	acc, ok := u.accounts[name]
	u.mu.RUnlock()
	if !ok {
		return "", ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return "", ErrBadCredentials
	}
	return acc.role, nil
}
