// Package keyring owns key material for the identities in a transaction:
// generation, encrypted-at-rest private key storage, and public key
// resolution from a decentralized identifier plus key fragment. Private keys
// never leave the host that generated them.
package keyring

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/tubone24/AP2-demo-app-sub001/pkg/signature"
)

var (
	ErrNotFound   = errors.New("key not found")
	ErrDecryption = errors.New("private key decryption failed")
	ErrUnknownKey = errors.New("unresolvable key id")
	ErrBadKeyDoc  = errors.New("invalid key document")
)

const defaultFragment = "key-1"

// KeyPair is one identity's loaded key material.
type KeyPair struct {
	Identity  string
	Fragment  string
	Algorithm string
	Private   crypto.PrivateKey
	Public    any
}

// KeyID is the resolvable name of the public half, e.g. "did:example:user#key-1".
func (kp KeyPair) KeyID() string { return kp.Identity + "#" + kp.Fragment }

// Keyring persists key material under a directory. One encrypted private key
// file and one plaintext directory document per identity.
type Keyring struct {
	Dir string
}

func New(dir string) *Keyring { return &Keyring{Dir: dir} }

type encryptedKeyFile struct {
	Identity   string `json:"identity"`
	Fragment   string `json:"fragment"`
	Algorithm  string `json:"algorithm"`
	KDF        string `json:"kdf"`
	ScryptN    int    `json:"scrypt_n"`
	ScryptR    int    `json:"scrypt_r"`
	ScryptP    int    `json:"scrypt_p"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Generate creates a key pair for identity, encrypts the private half with a
// passphrase-derived key, and writes both the key file and the directory
// document. alg is signature.AlgES256 or signature.AlgEd25519.
func (k *Keyring) Generate(identity, alg, passphrase string) (KeyPair, error) {
	if strings.TrimSpace(identity) == "" {
		return KeyPair{}, fmt.Errorf("%w: empty identity", ErrBadKeyDoc)
	}
	var priv crypto.PrivateKey
	var pub any
	switch alg {
	case signature.AlgES256:
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return KeyPair{}, err
		}
		priv, pub = key, &key.PublicKey
	case signature.AlgEd25519:
		public, private, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return KeyPair{}, err
		}
		priv, pub = private, public
	default:
		return KeyPair{}, signature.ErrUnsupportedAlgorithm
	}

	kp := KeyPair{Identity: identity, Fragment: defaultFragment, Algorithm: alg, Private: priv, Public: pub}
	if err := k.writePrivate(kp, passphrase); err != nil {
		return KeyPair{}, err
	}
	if err := k.writeDirectoryDoc(kp); err != nil {
		return KeyPair{}, err
	}
	return kp, nil
}

// LoadPrivate decrypts and returns an identity's key pair. Wrong passphrase
// yields ErrDecryption, a missing key file ErrNotFound.
func (k *Keyring) LoadPrivate(identity, passphrase string) (KeyPair, error) {
	raw, err := os.ReadFile(k.privatePath(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return KeyPair{}, fmt.Errorf("%w: %s", ErrNotFound, identity)
		}
		return KeyPair{}, err
	}
	var file encryptedKeyFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrBadKeyDoc, err)
	}
	if file.KDF != "scrypt" {
		return KeyPair{}, fmt.Errorf("%w: kdf %q", ErrBadKeyDoc, file.KDF)
	}
	salt, err := base64.RawURLEncoding.DecodeString(file.Salt)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrBadKeyDoc, err)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(file.Nonce)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrBadKeyDoc, err)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrBadKeyDoc, err)
	}

	aead, err := newAEAD(passphrase, salt, file.ScryptN, file.ScryptR, file.ScryptP)
	if err != nil {
		return KeyPair{}, err
	}
	der, err := aead.Open(nil, nonce, ciphertext, []byte(file.Identity))
	if err != nil {
		return KeyPair{}, ErrDecryption
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrBadKeyDoc, err)
	}

	kp := KeyPair{Identity: file.Identity, Fragment: file.Fragment, Algorithm: file.Algorithm, Private: parsed}
	switch key := parsed.(type) {
	case *ecdsa.PrivateKey:
		kp.Public = &key.PublicKey
	case ed25519.PrivateKey:
		kp.Public = key.Public().(ed25519.PublicKey)
	default:
		return KeyPair{}, fmt.Errorf("%w: key type %T", ErrBadKeyDoc, parsed)
	}
	return kp, nil
}

func (k *Keyring) writePrivate(kp KeyPair, passphrase string) error {
	der, err := x509.MarshalPKCS8PrivateKey(kp.Private)
	if err != nil {
		return err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	const n, r, p = 1 << 15, 8, 1
	aead, err := newAEAD(passphrase, salt, n, r, p)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	ciphertext := aead.Seal(nil, nonce, der, []byte(kp.Identity))

	file := encryptedKeyFile{
		Identity:   kp.Identity,
		Fragment:   kp.Fragment,
		Algorithm:  kp.Algorithm,
		KDF:        "scrypt",
		ScryptN:    n,
		ScryptR:    r,
		ScryptP:    p,
		Salt:       base64.RawURLEncoding.EncodeToString(salt),
		Nonce:      base64.RawURLEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawURLEncoding.EncodeToString(ciphertext),
	}
	out, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(k.Dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(k.privatePath(kp.Identity), out, 0o600)
}

func (k *Keyring) writeDirectoryDoc(kp KeyPair) error {
	doc, err := BuildDirectoryDoc(kp)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(k.directoryPath(kp.Identity), out, 0o644)
}

func newAEAD(passphrase string, salt []byte, n, r, p int) (cipher.AEAD, error) {
	dk, err := scrypt.Key([]byte(passphrase), salt, n, r, p, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (k *Keyring) privatePath(identity string) string {
	return filepath.Join(k.Dir, safeName(identity)+".key.json")
}

func (k *Keyring) directoryPath(identity string) string {
	return filepath.Join(k.Dir, safeName(identity)+".dir.json")
}

func safeName(identity string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "#", "_", "\\", "_")
	return r.Replace(identity)
}
