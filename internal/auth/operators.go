package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MinKeyLength is the minimum operator key length
	MinKeyLength = 24

	// MaxKeyLength is bcrypt's input limit
	MaxKeyLength = 72
)

// OperatorStore verifies static operator credentials
type OperatorStore struct {
	operators map[string]Operator
	// compared against for unknown operators so timing does not leak names
	dummyHash []byte
}

// NewOperatorStore indexes operators by name. Hashes are checked up front so a
// typo in configuration fails at startup instead of at first login.
func NewOperatorStore(operators []Operator) (*OperatorStore, error) {
	s := &OperatorStore{operators: make(map[string]Operator, len(operators))}
	for _, op := range operators {
		if op.Name == "" {
			return nil, fmt.Errorf("operator name is required")
		}
		if _, err := bcrypt.Cost([]byte(op.KeyHash)); err != nil {
			return nil, fmt.Errorf("operator %s: invalid key hash: %w", op.Name, err)
		}
		if _, dup := s.operators[op.Name]; dup {
			return nil, fmt.Errorf("operator %s configured twice", op.Name)
		}
		s.operators[op.Name] = op
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("unknown-operator-placeholder-key"), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare operator store: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// Authenticate checks key against the operator's hash
func (s *OperatorStore) Authenticate(name, key string) (*Operator, error) {
	if len(key) > MaxKeyLength {
		return nil, ErrInvalidCredentials
	}
	op, ok := s.operators[name]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(key))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.KeyHash), []byte(key)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return &op, nil
}

// Len returns the number of configured operators
func (s *OperatorStore) Len() int {
	return len(s.operators)
}

// HashKey hashes an operator key for the auth.operators config section
func HashKey(key string, cost int) (string, error) {
	if len(key) < MinKeyLength {
		return "", fmt.Errorf("key must be at least %d characters", MinKeyLength)
	}
	if len(key) > MaxKeyLength {
		return "", fmt.Errorf("key must be at most %d characters", MaxKeyLength)
	}
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash key: %w", err)
	}

	return string(bytes), nil
}
