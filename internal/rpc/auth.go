package rpc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// authChallenge is the JSON body a device puts in the message of a 401 error.
type authChallenge struct {
	AuthType  string `json:"auth_type"`
	Nonce     int64  `json:"nonce"`
	NC        int    `json:"nc"`
	Realm     string `json:"realm"`
	Algorithm string `json:"algorithm"`
}

// authParams is attached to every request once a challenge has been answered.
type authParams struct {
	Realm     string `json:"realm"`
	Username  string `json:"username"`
	Nonce     int64  `json:"nonce"`
	CNonce    int64  `json:"cnonce"`
	Response  string `json:"response"`
	Algorithm string `json:"algorithm"`
}

type authData struct {
	realm    string
	username string
	password string
}

func (a *authData) ha1(realm string) string {
	return hexSHA256(a.username + ":" + realm + ":" + a.password)
}

func parseChallenge(message string) (*authChallenge, error) {
	var ch authChallenge
	if err := json.Unmarshal([]byte(message), &ch); err != nil {
		return nil, fmt.Errorf("parse auth challenge: %w", err)
	}
	if ch.Nonce == 0 {
		return nil, fmt.Errorf("parse auth challenge: missing nonce")
	}
	if ch.NC == 0 {
		ch.NC = 1
	}
	return &ch, nil
}

// answer builds the digest response for ch. The device ignores method and uri,
// so the fixed "dummy_method:dummy_uri" pair is hashed for ha2.
func (a *authData) answer(ch *authChallenge) *authParams {
	realm := ch.Realm
	if realm == "" {
		realm = a.realm
	}
	cnonce := randomCNonce()
	ha2 := hexSHA256("dummy_method:dummy_uri")
	resp := hexSHA256(a.ha1(realm) + ":" + strconv.FormatInt(ch.Nonce, 10) + ":" +
		strconv.Itoa(ch.NC) + ":" + strconv.FormatInt(cnonce, 10) + ":auth:" + ha2)
	return &authParams{
		Realm:     realm,
		Username:  a.username,
		Nonce:     ch.Nonce,
		CNonce:    cnonce,
		Response:  resp,
		Algorithm: "SHA-256",
	}
}

func hexSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomCNonce() int64 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return int64(b[0])<<24 | int64(b[1])<<16 | int64(b[2])<<8 | int64(b[3])
}
