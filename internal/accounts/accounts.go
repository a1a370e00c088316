// Package accounts implements the static credential verifier the
// session state machines consult during authentication. It is a
// deliberately dumb collaborator: spec.md scopes confidentiality and
// authorization out, so this is a linear scan and an equality check,
// nothing more.
package accounts

import (
	"encoding/json"
	"os"
	"sync"
)

// Account is an opaque (login, password) pair.
type Account struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Verifier holds a static list of accounts and answers membership
// checks. It is safe for concurrent use.
type Verifier struct {
	mu       sync.RWMutex
	accounts []Account
}

// New returns a Verifier over the given account list.
func New(accounts []Account) *Verifier {
	v := &Verifier{}
	v.accounts = append(v.accounts, accounts...)
	return v
}

// Verify reports whether (login, password) matches some account
// record. Comparison is a plain linear scan; it is not constant-time,
// which is acceptable here since transport confidentiality is out of
// scope for this tunnel.
func (v *Verifier) Verify(login, password string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, a := range v.accounts {
		if a.Login == login && a.Password == password {
			return true
		}
	}
	return false
}

// Len reports how many accounts are loaded.
func (v *Verifier) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.accounts)
}

// LoadJSON reads a JSON array of {"login","password"} objects from path.
func LoadJSON(path string) ([]Account, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var accounts []Account
	if err := json.NewDecoder(f).Decode(&accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}
