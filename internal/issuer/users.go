package issuer

import (
	"context"
	"errors"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/staysession/pkg/authclient"
	"golang.org/x/crypto/bcrypt"
)

// Roles accepted at registration. An empty role defaults to RoleDefault.
var allowedRoles = map[string]struct{}{
	"admin":       {},
	"medico":      {},
	"enfermeria":  {},
	"gestor":      {},
	"coordinador": {},
}

// RoleDefault is assigned when a registration omits rol.
const RoleDefault = "gestor"

const minimumPasswordLength = 8

var (
	// ErrUserNotFound indicates no user matched the identifier.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrInvalidCredentials indicates the email/password pair did not match.
	ErrInvalidCredentials = errors.New("user_store.invalid_credentials")
)

// UserRecord is a stored account.
type UserRecord struct {
	ID           string
	Email        string
	PasswordHash []byte
	Nombre       string
	Apellido     string
	Rol          string
	IsStaff      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile converts the record into the wire representation.
func (record UserRecord) Profile() authclient.SessionUser {
	createdAt := record.CreatedAt
	updatedAt := record.UpdatedAt
	return authclient.SessionUser{
		ID:        authclient.UserID(record.ID),
		Email:     record.Email,
		Nombre:    record.Nombre,
		Apellido:  record.Apellido,
		Rol:       record.Rol,
		IsStaff:   record.IsStaff,
		CreatedAt: &createdAt,
		UpdatedAt: &updatedAt,
	}
}

// FieldErrors maps registration fields onto their validation messages.
type FieldErrors map[string][]string

func (fieldErrors FieldErrors) Error() string {
	keys := make([]string, 0, len(fieldErrors))
	for key := range fieldErrors {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+": "+strings.Join(fieldErrors[key], ", "))
	}
	return "user_store.validation: " + strings.Join(parts, "; ")
}

func (fieldErrors FieldErrors) add(field string, message string) {
	fieldErrors[field] = append(fieldErrors[field], message)
}

// ValidateRegistration checks the registration payload and returns nil when it is acceptable.
func ValidateRegistration(registration authclient.Registration) FieldErrors {
	problems := FieldErrors{}
	email := strings.TrimSpace(registration.Email)
	if email == "" {
		problems.add("email", "This field is required.")
	} else if parsed, err := mail.ParseAddress(email); err != nil || parsed.Address != email {
		problems.add("email", "Enter a valid email address.")
	}
	if registration.Password == "" {
		problems.add("password", "This field is required.")
	} else if len(registration.Password) < minimumPasswordLength {
		problems.add("password", "Ensure this field has at least 8 characters.")
	}
	if registration.PasswordConfirm != registration.Password {
		problems.add("password_confirm", "Passwords do not match.")
	}
	if strings.TrimSpace(registration.Nombre) == "" {
		problems.add("nombre", "This field is required.")
	}
	if strings.TrimSpace(registration.Apellido) == "" {
		problems.add("apellido", "This field is required.")
	}
	if role := strings.TrimSpace(registration.Rol); role != "" {
		if _, ok := allowedRoles[role]; !ok {
			problems.add("rol", `"`+role+`" is not a valid choice.`)
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return problems
}

// UserStore persists and authenticates accounts.
type UserStore interface {
	Create(ctx context.Context, registration authclient.Registration) (UserRecord, error)
	Authenticate(ctx context.Context, email string, password string) (UserRecord, error)
	Get(ctx context.Context, userID string) (UserRecord, error)
}

// MemoryUserStore keeps accounts in memory with bcrypt password hashes.
type MemoryUserStore struct {
	mutex      sync.RWMutex
	byID       map[string]UserRecord
	idsByEmail map[string]string
	hashCost   int
	clock      Clock
}

// NewMemoryUserStore constructs an empty store. A zero hashCost selects bcrypt.DefaultCost.
func NewMemoryUserStore(hashCost int, clock Clock) *MemoryUserStore {
	if hashCost == 0 {
		hashCost = bcrypt.DefaultCost
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &MemoryUserStore{
		byID:       make(map[string]UserRecord),
		idsByEmail: make(map[string]string),
		hashCost:   hashCost,
		clock:      clock,
	}
}

// Create validates and stores a new account.
func (store *MemoryUserStore) Create(ctx context.Context, registration authclient.Registration) (UserRecord, error) {
	if problems := ValidateRegistration(registration); problems != nil {
		return UserRecord{}, problems
	}
	normalizedEmail := strings.ToLower(strings.TrimSpace(registration.Email))
	passwordHash, hashErr := bcrypt.GenerateFromPassword([]byte(registration.Password), store.hashCost)
	if hashErr != nil {
		return UserRecord{}, hashErr
	}
	role := strings.TrimSpace(registration.Rol)
	if role == "" {
		role = RoleDefault
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.idsByEmail[normalizedEmail]; exists {
		return UserRecord{}, FieldErrors{"email": {"A user with this email already exists."}}
	}
	now := store.clock.Now().UTC()
	record := UserRecord{
		ID:           uuid.NewString(),
		Email:        normalizedEmail,
		PasswordHash: passwordHash,
		Nombre:       strings.TrimSpace(registration.Nombre),
		Apellido:     strings.TrimSpace(registration.Apellido),
		Rol:          role,
		IsStaff:      role == "admin",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	store.byID[record.ID] = record
	store.idsByEmail[normalizedEmail] = record.ID
	return record, nil
}

// Authenticate returns the account for email when password matches.
func (store *MemoryUserStore) Authenticate(ctx context.Context, email string, password string) (UserRecord, error) {
	store.mutex.RLock()
	userID, exists := store.idsByEmail[strings.ToLower(strings.TrimSpace(email))]
	record := store.byID[userID]
	store.mutex.RUnlock()
	if !exists {
		return UserRecord{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(record.PasswordHash, []byte(password)); err != nil {
		return UserRecord{}, ErrInvalidCredentials
	}
	return record, nil
}

// Get returns the account with userID.
func (store *MemoryUserStore) Get(ctx context.Context, userID string) (UserRecord, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return record, nil
}
