package identity

import (
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// PasswordCost is the bcrypt cost used for new password hashes.
var PasswordCost = 12

// Metadata is the public, user-editable part of an identity record.
type Metadata struct {
	Subscriptions []string `json:"subscriptions"`
	Anonym        bool     `json:"anonym"`
}

// HasSubscription reports whether target is in the subscription list.
func (m Metadata) HasSubscription(target string) bool {
	return slices.Contains(m.Subscriptions, target)
}

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Handle    string    `json:"handle"`
	FirstName string    `json:"first_name"`
	ImageURL  string    `json:"image_url"`
	Hash      []byte    `json:"-"`
	Metadata  Metadata  `json:"public_metadata"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

func NewUser(email, handle, firstName string) *User {
	now := time.Now().UTC()
	return &User{
		ID:        uuid.New().String(),
		Email:     strings.ToLower(strings.TrimSpace(email)),
		Handle:    handle,
		FirstName: firstName,
		Metadata:  Metadata{Subscriptions: make([]string, 0)},
		Created:   now,
		Updated:   now,
	}
}

// DisplayName is the name shown next to non-anonymous content.
func (u *User) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Handle
}

func (u *User) SetPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		return err
	}
	u.Hash = hash
	return nil
}

func (u *User) PasswordMatches(input string) (bool, error) {
	err := bcrypt.CompareHashAndPassword(u.Hash, []byte(input))
	if err != nil {
		switch {
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, err
		}
	}
	return true, nil
}

func (u *User) MarshalBinary() ([]byte, error) {
	return json.Marshal(u)
}

func (u *User) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, u)
}

// Sanitize drops credentials before the record leaves the directory.
func (u *User) Sanitize() {
	u.Hash = nil
}
