// Package nostr holds the small slice of the Nostr protocol the signer
// needs: NIP-01 events and relay frames, BIP-340 event signatures and NIP-44
// (version 2) payload encryption between two keys.
//
// Public keys are handled in their 32-byte x-only form, hex encoded, which is
// also the normalized form used for peer identity elsewhere in the signer.
package nostr
