package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// KeyValidator: интерфейс проверки общего секрета админских эндпоинтов.
type KeyValidator interface {
	VerifyKey(key string) error
}

// StaticKeyValidator сравнивает ключ с открытым значением (constant time)
// или с bcrypt-хэшем, если задан он.
type StaticKeyValidator struct {
	plain []byte
	hash  []byte
}

func NewStaticKeyValidator(plain, hash string) (*StaticKeyValidator, error) {
	if plain == "" && hash == "" {
		return nil, fmt.Errorf("auth: api key is not configured")
	}
	return &StaticKeyValidator{plain: []byte(plain), hash: []byte(hash)}, nil
}

func (v *StaticKeyValidator) VerifyKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty api key")
	}
	if len(v.hash) > 0 {
		if err := bcrypt.CompareHashAndPassword(v.hash, []byte(key)); err != nil {
			return fmt.Errorf("api key mismatch: %w", err)
		}
		return nil
	}
	if subtle.ConstantTimeCompare(v.plain, []byte(key)) != 1 {
		return fmt.Errorf("api key mismatch")
	}
	return nil
}

// HashKey: для lmsctl: получить значение auth.api_key_hash из открытого ключа.
func HashKey(key string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
