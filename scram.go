package gocbcorekv

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// SaslAuthScramSha1 runs the four-step SCRAM-SHA1 handshake described in
// spec.md §4.4. It fails with ErrBadServerSignature if the server's final
// signature doesn't match what the derived keys predict.
func SaslAuthScramSha1(username, password string, client AuthClient, deadline time.Time) error {
	nonce, err := scramClientNonce()
	if err != nil {
		return err
	}

	clientFirstBare := "n=" + scramEscapeUsername(username) + ",r=" + nonce
	clientFirst := "n,," + clientFirstBare

	challenge, err := client.ExecSaslAuth([]byte("SCRAM-SHA1"), []byte(clientFirst), deadline)
	if err != nil {
		return err
	}

	serverR, salt, iterCount, err := parseScramServerFirst(string(challenge))
	if err != nil {
		return err
	}

	saltedPass := pbkdf2.Key([]byte(password), salt, iterCount, sha1.Size, sha1.New)
	clientKey := hmacSha1(saltedPass, []byte("Client Key"))
	storedKey := sha1Sum(clientKey)

	clientFinalWithoutProof := "c=biws,r=" + serverR
	authMsg := clientFirstBare + "," + string(challenge) + "," + clientFinalWithoutProof

	clientSig := hmacSha1(storedKey, []byte(authMsg))
	proof := xorBytes(clientKey, clientSig)

	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(proof)

	stepResp, err := client.ExecSaslStep([]byte("SCRAM-SHA1"), []byte(clientFinal), deadline)
	if err != nil {
		return err
	}

	serverKey := hmacSha1(saltedPass, []byte("Server Key"))
	serverSig := hmacSha1(serverKey, []byte(authMsg))
	wantV := "v=" + base64.StdEncoding.EncodeToString(serverSig)

	gotV, err := parseScramField(string(stepResp), "v")
	if err != nil {
		return ErrBadServerSignature
	}
	if subtle.ConstantTimeCompare([]byte("v="+gotV), []byte(wantV)) != 1 {
		return ErrBadServerSignature
	}

	return nil
}

// scramClientNonce builds the base64 of a random 12-char numeric string,
// per spec.md §4.4 step 1.
func scramClientNonce() (string, error) {
	digits := make([]byte, 12)
	ten := big.NewInt(10)
	for i := range digits {
		n, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return base64.StdEncoding.EncodeToString(digits), nil
}

// scramEscapeUsername applies the RFC 5802 escaping spec.md §4.4 step 1
// requires: "=" → "=3D", "," → "=2C".
func scramEscapeUsername(username string) string {
	username = strings.ReplaceAll(username, "=", "=3D")
	username = strings.ReplaceAll(username, ",", "=2C")
	return username
}

// parseScramServerFirst extracts r=, s=, i= from a server-first message
// and base64-decodes the salt, per spec.md §4.4 step 2.
func parseScramServerFirst(msg string) (serverR string, salt []byte, iterCount int, err error) {
	serverR, err = parseScramField(msg, "r")
	if err != nil {
		return "", nil, 0, err
	}

	saltStr, err := parseScramField(msg, "s")
	if err != nil {
		return "", nil, 0, err
	}
	salt, err = base64.StdEncoding.DecodeString(saltStr)
	if err != nil {
		return "", nil, 0, fmt.Errorf("gocbcorekv: bad scram salt: %w", err)
	}

	iStr, err := parseScramField(msg, "i")
	if err != nil {
		return "", nil, 0, err
	}
	if _, err := fmt.Sscanf(iStr, "%d", &iterCount); err != nil {
		return "", nil, 0, fmt.Errorf("gocbcorekv: bad scram iteration count: %w", err)
	}

	return serverR, salt, iterCount, nil
}

// parseScramField finds "key=value" within a comma-separated SCRAM
// message and returns value.
func parseScramField(msg, key string) (string, error) {
	prefix := key + "="
	for _, part := range strings.Split(msg, ",") {
		if strings.HasPrefix(part, prefix) {
			return part[len(prefix):], nil
		}
	}
	return "", fmt.Errorf("gocbcorekv: scram message missing %q field", key)
}

func hmacSha1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func sha1Sum(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

// xorBytes XORs two equal-length byte slices, per spec.md §4.4 step 3's
// proof = client_key XOR client_sig.
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}
