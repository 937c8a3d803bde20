package keys

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/nscore/ncacore/pkg/crypto"
)

const maxKeyGeneration = 32

// FileProvider is a Provider backed by a prod.keys-style text file: one
// `key_name = HEXVALUE` pair per line, blank lines and `#`-prefixed
// comments ignored. Derive computes per-generation KAEK and title-kek
// tables from the usual "*_source" keys for every master_key_NN that is
// loaded alongside them, the same two-step
// decrypt-source-with-master-key-then-decrypt-seed-with-that derivation
// the console's key-generation scheme uses.
type FileProvider struct {
	mu   sync.RWMutex
	raw  map[string][]byte
	kaek [3][maxKeyGeneration][]byte
	kek  [maxKeyGeneration][]byte
}

// NewFileProvider returns an empty provider; call Load or LoadDefault to
// populate it, then Derive to compute the generation tables.
func NewFileProvider() *FileProvider {
	return &FileProvider{raw: make(map[string][]byte)}
}

// Load reads keys from path, merging them into any already-loaded set.
func (p *FileProvider) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("keys: open %s: %w", path, err)
	}
	defer f.Close()

	p.mu.Lock()
	defer p.mu.Unlock()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		name := strings.TrimSpace(parts[0])
		val, err := hex.DecodeString(strings.TrimSpace(parts[1]))
		if err != nil {
			continue
		}
		p.raw[name] = val
	}
	return scanner.Err()
}

// LoadDefault tries the usual prod.keys search locations.
func (p *FileProvider) LoadDefault() error {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	paths := []string{"prod.keys", "keys.txt"}
	if home != "" {
		paths = append(paths, filepath.Join(home, ".switch", "prod.keys"), filepath.Join(home, ".switch", "keys.txt"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return p.Load(path)
		}
	}
	return fmt.Errorf("keys: no prod.keys found in default search paths")
}

func (p *FileProvider) get(name string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.raw[name]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Derive computes the key-area-key and title-kek tables for every master
// key generation present in the loaded key set. Safe to call again after
// loading more keys; it recomputes the full tables each time.
func (p *FileProvider) Derive() error {
	p.mu.RLock()
	aesKekGenSrc, haveKekGen := p.raw["aes_kek_generation_source"]
	aesKeyGenSrc, haveKeyGen := p.raw["aes_key_generation_source"]
	titleKekSrc, haveTitleKek := p.raw["titlekek_source"]
	sources := [3]string{"key_area_key_application_source", "key_area_key_ocean_source", "key_area_key_system_source"}
	p.mu.RUnlock()

	if !haveKekGen || !haveKeyGen {
		return fmt.Errorf("keys: missing aes_kek_generation_source / aes_key_generation_source")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for gen := 0; gen < maxKeyGeneration; gen++ {
		masterKey, ok := p.raw[fmt.Sprintf("master_key_%02x", gen)]
		if !ok {
			continue
		}

		if haveTitleKek {
			kek := make([]byte, crypto.BlockSize)
			if err := crypto.ECBDecrypt(kek, titleKekSrc, masterKey); err == nil {
				p.kek[gen] = kek
			}
		}

		for typeIdx, srcName := range sources {
			src, ok := p.raw[srcName]
			if !ok {
				continue
			}
			if kak, err := generateKek(src, masterKey, aesKekGenSrc, aesKeyGenSrc); err == nil {
				p.kaek[typeIdx][gen] = kak
			}
		}
	}

	return nil
}

// generateKek reproduces the console's "generate-kek" chain:
// decrypt(keySeed, decrypt(src, decrypt(kekSeed, masterKey))).
func generateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek := make([]byte, crypto.BlockSize)
	if err := crypto.ECBDecrypt(kek, kekSeed, masterKey); err != nil {
		return nil, err
	}
	srcKek := make([]byte, crypto.BlockSize)
	if err := crypto.ECBDecrypt(srcKek, src, kek); err != nil {
		return nil, err
	}
	if keySeed == nil {
		return srcKek, nil
	}
	out := make([]byte, crypto.BlockSize)
	if err := crypto.ECBDecrypt(out, keySeed, srcKek); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *FileProvider) HeaderKey() ([]byte, bool) {
	return p.get("header_key")
}

func (p *FileProvider) KeyAreaEncryptionKey(kaekIndex uint8, keyGeneration uint8) ([]byte, bool) {
	if kaekIndex >= 3 || int(keyGeneration) >= maxKeyGeneration {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	k := p.kaek[kaekIndex][keyGeneration]
	if k == nil {
		return nil, false
	}
	out := make([]byte, len(k))
	copy(out, k)
	return out, true
}

func (p *FileProvider) MainSignatureModulus(keyGeneration uint8) ([]byte, bool) {
	return p.get(fmt.Sprintf("nca_header_main_signature_modulus_%02x", keyGeneration))
}

func (p *FileProvider) TitleKek(keyGeneration uint8) ([]byte, bool) {
	if int(keyGeneration) >= maxKeyGeneration {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	k := p.kek[keyGeneration]
	if k == nil {
		return nil, false
	}
	out := make([]byte, len(k))
	copy(out, k)
	return out, true
}

var _ Provider = (*FileProvider)(nil)
