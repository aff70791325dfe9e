// Package projectstorage implements the Coordinator's per-project encrypted
// key/value namespace: per-user isolation by default, with a per-call
// public flag selecting the project's shared namespace that every user of
// that project can read, plus a compare-and-set primitive for concurrent
// writers. Public entries stay under the owning project's namespace and
// key; they are not readable from another project.
//
// Values are sealed with AES-256-GCM (nonce prepended to the ciphertext)
// under a key derived per project from a coordinator-held master secret,
// so every coordinator replica derives the same project key without
// replicating key material through Raft.
package projectstorage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/cuemby/outlayer/pkg/storage"
)

// Manager encrypts/decrypts per-project storage values at rest, backed by
// storage.Store's flat namespace bucket.
type Manager struct {
	backing   storage.Store
	masterKey []byte
}

// New derives a 32-byte master key from masterSecret (a coordinator config
// value) and returns a ready Manager.
func New(backing storage.Store, masterSecret string) *Manager {
	sum := sha256.Sum256([]byte(masterSecret))
	return &Manager{backing: backing, masterKey: sum[:]}
}

// deriveProjectKey derives a per-project AES-256 key from the master key,
// so compromising one project's key pair does not expose another's data.
func (m *Manager) deriveProjectKey(projectID string) []byte {
	h := sha256.New()
	h.Write(m.masterKey)
	h.Write([]byte(projectID))
	return h.Sum(nil)
}

// Namespace composes the flat storage key for a (project, user, key) triple.
// Public storage is shared across every caller in the project; private
// storage (the default) is isolated per user.
func Namespace(projectID, userID, key string, public bool) string {
	if public {
		return projectID + "/~pub/" + key
	}
	return projectID + "/" + userID + "/" + key
}

func (m *Manager) encrypt(projectID string, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.deriveProjectKey(projectID))
	if err != nil {
		return nil, fmt.Errorf("projectstorage: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("projectstorage: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("projectstorage: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (m *Manager) decrypt(projectID string, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.deriveProjectKey(projectID))
	if err != nil {
		return nil, fmt.Errorf("projectstorage: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("projectstorage: new gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("projectstorage: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// Get returns the plaintext value stored under (projectID, userID, key),
// decrypting it with the project's derived key.
func (m *Manager) Get(projectID, userID, key string, public bool) ([]byte, bool, error) {
	ns := Namespace(projectID, userID, key, public)
	ciphertext, found, err := m.backing.StorageGet(ns)
	if err != nil || !found {
		return nil, found, err
	}
	plaintext, err := m.decrypt(projectID, ciphertext)
	if err != nil {
		return nil, false, fmt.Errorf("projectstorage: decrypt %s: %w", ns, err)
	}
	return plaintext, true, nil
}

// Set is last-writer-wins: it encrypts value and overwrites whatever is
// currently stored under (projectID, userID, key).
func (m *Manager) Set(projectID, userID, key string, public bool, value []byte) error {
	ciphertext, err := m.encrypt(projectID, value)
	if err != nil {
		return err
	}
	return m.backing.StorageSet(Namespace(projectID, userID, key, public), ciphertext)
}

// SetIfEquals implements the CAS primitive: it succeeds only when the
// stored plaintext equals expected (nil expected means "only if absent").
func (m *Manager) SetIfEquals(projectID, userID, key string, public bool, expected, value []byte) (bool, error) {
	ns := Namespace(projectID, userID, key, public)

	current, found, err := m.backing.StorageGet(ns)
	if err != nil {
		return false, err
	}
	var currentPlain []byte
	if found {
		currentPlain, err = m.decrypt(projectID, current)
		if err != nil {
			return false, fmt.Errorf("projectstorage: decrypt current %s: %w", ns, err)
		}
	}
	if !plaintextEqual(currentPlain, expected) {
		return false, nil
	}

	newCiphertext, err := m.encrypt(projectID, value)
	if err != nil {
		return false, err
	}
	return m.backing.StorageSetIfEquals(ns, current, newCiphertext)
}

// UsageBytes reports the total ciphertext bytes stored for projectID.
func (m *Manager) UsageBytes(projectID string) (int64, error) {
	return m.backing.StorageUsageBytes(projectID)
}

func plaintextEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
