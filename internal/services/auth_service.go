package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type TokenSigner func(username string, role string, studies []string, ttl time.Duration) (string, error)

// AuthService manages research-team and proband accounts and issues the
// access tokens the other services consume as their access descriptor.
type AuthService struct {
	store     Store
	now       func() time.Time
	signToken TokenSigner
	tokenTTL  time.Duration
}

type AuthResult struct {
	Token    string
	Username string
	Role     Role
	Studies  []string
}

func NewAuthService(store Store, signer TokenSigner) *AuthService {
	return &AuthService{
		store:     store,
		now:       func() time.Time { return time.Now().UTC() },
		signToken: signer,
		tokenTTL:  24 * time.Hour,
	}
}

// Register creates an account; only admins may do so.
func (s *AuthService) Register(tok AccessToken, username, password string, role Role, studies []string) (*User, error) {
	if err := authorize(opUserCreate, tok, ""); err != nil {
		return nil, err
	}
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("username/password required")
	}
	switch role {
	case RoleProband, RoleResearcher, RoleInvestigator, RoleAdmin:
	default:
		return nil, NewInvalidError("unknown role " + string(role))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &User{Username: username, Role: role, PassHash: hash, Studies: studies, CreatedAt: s.now()}
	err = s.store.WithTx(func(tx Tx) error {
		existing, err := tx.GetUser(username)
		if err != nil {
			return err
		}
		if existing != nil {
			return NewConflictError("username exists")
		}
		return tx.AddUser(user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) Login(username, password string) (*AuthResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("username/password required")
	}
	var user *User
	err := s.store.WithTx(func(tx Tx) error {
		var err error
		user, err = tx.GetUser(username)
		return err
	})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(user.Username, string(user.Role), user.Studies, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, Username: user.Username, Role: user.Role, Studies: user.Studies}, nil
}

func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}
