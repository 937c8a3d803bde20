// Package keys defines the key-database contract the NCA core consumes
// (spec §6: "external collaborator") and ships a reference implementation
// that loads a flat prod.keys-style text file, the format the Switch
// homebrew ecosystem has standardized on.
package keys

// Provider is the external key database the header codec and key-area
// engine consume. It never touches an NCA directly; it only answers
// "what key material exists for this (index, generation) pair".
//
// Implementations must be safe for concurrent use — the core's own
// concurrency model (spec §5) serializes crypto work through a single
// mutex, but a caller may hold one Provider across many concurrently
// processed archives.
type Provider interface {
	// HeaderKey returns the 32-byte (2x AES-128) key used to decrypt every
	// NCA's main header and, for NCA2/NCA3, its FS section headers.
	HeaderKey() ([]byte, bool)

	// KeyAreaEncryptionKey returns the 16-byte KAEK used to unwrap key-area
	// slot entries for the given kaekIndex (0: Application, 1: Ocean,
	// 2: System) and key generation.
	KeyAreaEncryptionKey(kaekIndex uint8, keyGeneration uint8) ([]byte, bool)

	// MainSignatureModulus returns the 256-byte RSA-2048 modulus used to
	// verify the main header signature for the given key generation.
	MainSignatureModulus(keyGeneration uint8) ([]byte, bool)

	// TitleKek returns the 16-byte key used to unwrap a ticket's encrypted
	// titlekey for the given key generation.
	TitleKek(keyGeneration uint8) ([]byte, bool)
}

// TicketStore is the external titlekey source the header codec consumes
// for rights-ID-bearing archives (spec §6: retrieve_ticket_by_rights_id).
type TicketStore interface {
	// RetrieveTitleKey returns the decrypted 16-byte titlekey for the given
	// rights ID, preferring a gamecard-resident ticket when fromGamecard is
	// true. ok is false when no matching ticket is available.
	RetrieveTitleKey(rightsID [16]byte, fromGamecard bool) (titlekey [16]byte, ok bool)
}
