package gocbcorekv

import (
	"time"
)

// AuthClient exposes the SASL operations a connected socket must expose
// in order to run the handshake described in spec.md §4.4.
type AuthClient interface {
	Address() string

	ExecSaslListMechs(deadline time.Time) ([]string, error)
	ExecSaslAuth(k, v []byte, deadline time.Time) ([]byte, error)
	ExecSaslStep(k, v []byte, deadline time.Time) ([]byte, error)
	ExecSelectBucket(b []byte, deadline time.Time) error
}

// SaslAuthPlain performs PLAIN SASL authentication, per spec.md §4.4's
// sasl_auth (PLAIN): key "PLAIN", value username||0x00||password||0x00.
func SaslAuthPlain(username, password string, client AuthClient, deadline time.Time) error {
	userBuf := []byte(username)
	passBuf := []byte(password)
	authData := make([]byte, 1+len(userBuf)+1+len(passBuf))
	authData[0] = 0
	copy(authData[1:], userBuf)
	authData[1+len(userBuf)] = 0
	copy(authData[1+len(userBuf)+1:], passBuf)

	_, err := client.ExecSaslAuth([]byte("PLAIN"), authData, deadline)
	return err
}

// SaslAuthBest runs sasl_list and then the best mechanism both client and
// server support, per spec.md §4.4: SCRAM-SHA1 is preferred, PLAIN is the
// fallback.
func SaslAuthBest(username, password string, client AuthClient, deadline time.Time) error {
	methods, err := client.ExecSaslListMechs(deadline)
	if err != nil {
		return err
	}

	logDebugf("Server SASL supports: %v", methods)

	var supportsPlain, supportsScram bool
	for _, method := range methods {
		switch method {
		case "PLAIN":
			supportsPlain = true
		case "SCRAM_SHA", "SCRAM-SHA1":
			supportsScram = true
		}
	}

	switch {
	case supportsScram:
		logDebugf("Selected SCRAM-SHA1 for SASL auth")
		return SaslAuthScramSha1(username, password, client, deadline)
	case supportsPlain:
		logDebugf("Selected PLAIN for SASL auth")
		return SaslAuthPlain(username, password, client, deadline)
	default:
		return ErrNoAuthMethod
	}
}
