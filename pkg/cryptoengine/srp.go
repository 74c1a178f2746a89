package cryptoengine

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
)

// SRP group parameters (RFC 5054 2048-bit group, N and g). No library
// in the retrieval pack implements SRP (the teacher's katzenpost deps
// cover mixnet handshakes, not EAP-SRP); this is grounded directly on
// spec.md §4.3's "Optional EAP-SRP handshake produces the shared
// material" and implemented with math/big + crypto/sha256, the same
// primitives the teacher uses elsewhere for raw crypto (ratchet.go
// uses golang.org/x/crypto building blocks directly rather than a
// higher-level SRP package, since none exists for this exact protocol).
var (
	srpN, _ = new(big.Int).SetString(
		"AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B855F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773BCA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB694B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73",
		16,
	)
	srpG = big.NewInt(2)
)

// SRPClient holds a client/user's EAP-SRP handshake state.
type SRPClient struct {
	identity string
	password string
	a        *big.Int
	A        *big.Int
}

// NewSRPClient starts a handshake for identity/password, generating
// the client's ephemeral private value a and public value A = g^a mod N.
func NewSRPClient(identity, password string) (*SRPClient, error) {
	a, err := rand.Int(rand.Reader, srpN)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: srp client ephemeral: %w", err)
	}
	A := new(big.Int).Exp(srpG, a, srpN)
	return &SRPClient{identity: identity, password: password, a: a, A: A}, nil
}

// ComputeSessionKey derives the shared SRP session key given the
// server's salt and public value B, per the standard SRP-6a exchange.
// The resulting bytes are the "shared material" referenced by
// spec.md §4.3, fed into DeriveKey as the passphrase input's
// replacement/extension.
func (c *SRPClient) ComputeSessionKey(salt []byte, B *big.Int) ([]byte, error) {
	if new(big.Int).Mod(B, srpN).Sign() == 0 {
		return nil, errors.New("cryptoengine: srp server public value B is degenerate")
	}

	u := hashInts(c.A, B)
	if u.Sign() == 0 {
		return nil, errors.New("cryptoengine: srp u is zero")
	}

	x := hashCredentials(salt, c.identity, c.password)
	k := hashInts(srpN, srpG)

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(srpG, x, srpN)
	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, srpN)

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)

	S := new(big.Int).Exp(base, exp, srpN)
	h := sha256.Sum256(S.Bytes())
	return h[:], nil
}

func hashInts(vals ...*big.Int) *big.Int {
	h := sha256.New()
	for _, v := range vals {
		h.Write(v.Bytes())
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

func hashCredentials(salt []byte, identity, password string) *big.Int {
	inner := sha256.Sum256([]byte(identity + ":" + password))
	h := sha256.New()
	h.Write(salt)
	h.Write(inner[:])
	return new(big.Int).SetBytes(h.Sum(nil))
}
