package redact

import (
	"encoding/base64"
	"sort"
	"strings"
	"sync"
)

const (
	mask = "[REDACTED]"

	// MinSecretLength is the shortest string masked. Shorter values would
	// blank out ordinary text in every line.
	MinSecretLength = 4
	// MaxSecrets bounds the registry; the oldest secret is forgotten first.
	MaxSecrets = 1024
)

// Redactor replaces known secrets in strings. Safe for concurrent use; the
// request gate and the call pipeline register credentials as they see them.
type Redactor struct {
	mu      sync.RWMutex
	secrets map[string]struct{}
	order   []string
}

func NewRedactor() *Redactor {
	return &Redactor{secrets: map[string]struct{}{}}
}

func (r *Redactor) AddSecrets(secrets []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range secrets {
		if len(s) < MinSecretLength {
			continue
		}
		if _, ok := r.secrets[s]; ok {
			continue
		}
		r.secrets[s] = struct{}{}
		r.order = append(r.order, s)
	}
	for len(r.order) > MaxSecrets {
		delete(r.secrets, r.order[0])
		r.order = r.order[1:]
	}
}

// AddCredential registers a "user:password" credential string. The password,
// the whole pair and its Basic encoding are all masked.
func (r *Redactor) AddCredential(credential string) {
	if credential == "" {
		return
	}
	secrets := []string{credential, base64.StdEncoding.EncodeToString([]byte(credential))}
	if _, password, ok := strings.Cut(credential, ":"); ok {
		secrets = append(secrets, password)
	}
	r.AddSecrets(secrets)
}

func (r *Redactor) Redact(input string) string {
	if r == nil {
		return input
	}
	r.mu.RLock()
	list := make([]string, 0, len(r.secrets))
	for s := range r.secrets {
		list = append(list, s)
	}
	r.mu.RUnlock()

	// longest first so a secret containing another is masked whole
	sort.Slice(list, func(i, j int) bool { return len(list[i]) > len(list[j]) })
	out := input
	for _, secret := range list {
		out = strings.ReplaceAll(out, secret, mask)
	}
	return out
}
