// Package security implements the Alicia security gateway and the in-process
// encryption library services use for sensitive payloads.
//
// Two surfaces:
//
//   - The admission API (mounted on httpapi): certificate-based service
//     authentication (POST /auth/service), token verification
//     (POST /auth/verify), and symmetric key rotation (POST /keys/rotate).
//
//   - The Codec: AES-256-GCM authenticated encryption of envelope payloads,
//     with the envelope identity fields bound in as associated data so a
//     ciphertext cannot be replayed under a different message id or route.
//
// Keys are persisted in SQLite through Store; rotated keys stay valid for a
// grace period so in-flight messages still decrypt.
package security
