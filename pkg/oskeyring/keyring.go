// Package oskeyring stores the chat service token in the operating system
// keyring.
package oskeyring

import (
	"errors"
	"fmt"
	"sync"

	keyringlib "github.com/zalando/go-keyring"
)

// ServiceName is the keyring service tokens are stored under.
const ServiceName = "roomsync"

// ErrNotFound is returned by Get when the requested secret is not found.
var ErrNotFound = errors.New("secret not found in keyring")

// Service is a keyring holding secrets per service and user.
type Service interface {
	// Get returns ErrNotFound if the secret is not found.
	Get(service, user string) (string, error)
	Set(service, user, password string) error
	// Delete does not fail when the secret does not exist.
	Delete(service, user string) error
}

// LoadToken returns the token stored for the chat account userID.
func LoadToken(s Service, userID string) (string, error) {
	token, err := s.Get(ServiceName, userID)
	if err != nil {
		return "", fmt.Errorf("load token for %s: %w", userID, err)
	}
	return token, nil
}

// StoreToken stores the token of the chat account userID.
func StoreToken(s Service, userID, token string) error {
	if userID == "" || token == "" {
		return errors.New("user id and token are required")
	}
	if err := s.Set(ServiceName, userID, token); err != nil {
		return fmt.Errorf("store token for %s: %w", userID, err)
	}
	return nil
}

// DeleteToken forgets the token of the chat account userID.
func DeleteToken(s Service, userID string) error {
	return s.Delete(ServiceName, userID)
}

// SystemService uses the keyring of the operating system.
type SystemService struct{}

func NewSystemService() *SystemService {
	return &SystemService{}
}

func (s *SystemService) Get(service, user string) (string, error) {
	secret, err := keyringlib.Get(service, user)
	if err != nil {
		if errors.Is(err, keyringlib.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get secret from OS keyring: %w", err)
	}
	return secret, nil
}

func (s *SystemService) Set(service, user, password string) error {
	return keyringlib.Set(service, user, password)
}

func (s *SystemService) Delete(service, user string) error {
	err := keyringlib.Delete(service, user)
	if errors.Is(err, keyringlib.ErrNotFound) {
		return nil
	}
	return err
}

var _ Service = (*SystemService)(nil)

// MemoryService is an in-memory Service for tests.
type MemoryService struct {
	mu    sync.RWMutex
	store map[string]map[string]string // service -> user -> secret
}

func NewMemoryService() *MemoryService {
	return &MemoryService{
		store: make(map[string]map[string]string),
	}
}

func (s *MemoryService) Get(service, user string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if users, ok := s.store[service]; ok {
		if secret, ok := users[user]; ok {
			return secret, nil
		}
	}
	return "", ErrNotFound
}

func (s *MemoryService) Set(service, user, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.store[service]; !ok {
		s.store[service] = make(map[string]string)
	}
	s.store[service][user] = password
	return nil
}

func (s *MemoryService) Delete(service, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if users, ok := s.store[service]; ok {
		delete(users, user)
		if len(users) == 0 {
			delete(s.store, service)
		}
	}
	return nil
}

var _ Service = (*MemoryService)(nil)
