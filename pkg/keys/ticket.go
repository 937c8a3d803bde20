package keys

import (
	"fmt"
	"sync"

	"github.com/nscore/ncacore/pkg/crypto"
)

// ticketEncryptedTitleKeyOffset and ticketEncryptedTitleKeySize locate the
// RSA/AES-wrapped titlekey inside a standard .tik ticket blob.
const (
	ticketEncryptedTitleKeyOffset = 0x180
	ticketEncryptedTitleKeySize   = 0x10
)

// TicketEntry is one loaded ticket: the encrypted titlekey plus the key
// generation it was wrapped under.
type TicketEntry struct {
	EncryptedTitleKey [ticketEncryptedTitleKeySize]byte
	KeyGeneration     uint8
}

// MemoryTicketStore is a TicketStore backed by an in-memory map of
// rights ID to ticket, unwrapping titlekeys on demand against a Provider's
// title-kek table. This is the reference implementation of the "ticket
// store" external collaborator spec.md §1 treats as out of scope for the
// core itself — callers populate it from wherever they source .tik files
// (gamecard secure partition, NAND save data, a PFS0/NSP's ticket entry).
type MemoryTicketStore struct {
	provider Provider

	mu      sync.RWMutex
	tickets map[[16]byte]TicketEntry
}

// NewMemoryTicketStore builds a ticket store that unwraps titlekeys using
// provider's title-kek table.
func NewMemoryTicketStore(provider Provider) *MemoryTicketStore {
	return &MemoryTicketStore{provider: provider, tickets: make(map[[16]byte]TicketEntry)}
}

// AddTicketData parses a raw .tik blob and indexes it under rightsID.
func (s *MemoryTicketStore) AddTicketData(rightsID [16]byte, keyGeneration uint8, raw []byte) error {
	if len(raw) < ticketEncryptedTitleKeyOffset+ticketEncryptedTitleKeySize {
		return fmt.Errorf("keys: ticket blob too short (%d bytes)", len(raw))
	}

	var entry TicketEntry
	entry.KeyGeneration = keyGeneration
	copy(entry.EncryptedTitleKey[:], raw[ticketEncryptedTitleKeyOffset:ticketEncryptedTitleKeyOffset+ticketEncryptedTitleKeySize])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[rightsID] = entry
	return nil
}

// RetrieveTitleKey implements TicketStore. fromGamecard is accepted for
// interface symmetry with the gamecard/managed-storage split the content
// reader makes (spec §4.3) but a single in-memory index serves both.
func (s *MemoryTicketStore) RetrieveTitleKey(rightsID [16]byte, _ bool) ([16]byte, bool) {
	s.mu.RLock()
	entry, ok := s.tickets[rightsID]
	s.mu.RUnlock()
	if !ok {
		return [16]byte{}, false
	}

	kek, ok := s.provider.TitleKek(entry.KeyGeneration)
	if !ok {
		return [16]byte{}, false
	}

	var titlekey [16]byte
	if err := crypto.ECBDecrypt(titlekey[:], entry.EncryptedTitleKey[:], kek); err != nil {
		return [16]byte{}, false
	}
	return titlekey, true
}

var _ TicketStore = (*MemoryTicketStore)(nil)
