package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainBlob     = "replica/blob/v1"
	DomainDocument = "replica/document/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// BlobDigest is the content address of a blob payload.
func BlobDigest(data []byte) string {
	return "sha256:" + hashWithDomain(DomainBlob, data)
}

// DocumentHash fingerprints the canonical content of an index document.
// Two builds of the same item against the same durable state hash equal.
func DocumentHash(doc *IndexDocument) (string, error) {
	content, err := doc.CanonicalContent()
	if err != nil {
		return "", fmt.Errorf("DocumentHash: %w", err)
	}
	return hashWithDomain(DomainDocument, content), nil
}
