// Package roomcode handles room code generation, validation and the
// network-prefix derivation used when a client does not name a room.
package roomcode

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"math/big"
	"net"
	"strconv"
	"strings"
)

// Alphabet is the 32-symbol unambiguous set room codes are drawn from;
// 0, O, 1 and I are excluded.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length of an explicitly chosen room code.
const Length = 6

// Valid reports whether code is exactly six characters of the alphabet
// after normalisation.
func Valid(code string) bool {
	code = Normalize(code)
	if len(code) != Length {
		return false
	}
	for _, r := range code {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

// Normalize upper-cases a room code to its canonical form.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Random returns a fresh six-character code from the alphabet.
func Random() string {
	var b strings.Builder
	for i := 0; i < Length; i++ {
		b.WriteByte(Alphabet[randomIndex(len(Alphabet))])
	}
	return b.String()
}

func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		log.Panic("failed to generate random index:", err)
	}
	return int(n.Int64())
}

// DeriveFromAddr maps a client address to its deterministic room code so
// devices behind the same network prefix land in the same room. IPv4 keeps
// the first three octets, IPv6 the first four 16-bit groups; loopback and
// anything unparseable collapse to "localhost". The network part is hashed
// and the first eight hex digits, upper-cased, become the code.
func DeriveFromAddr(remoteAddr string) string {
	return deriveFromNetworkPart(networkPart(remoteAddr))
}

func networkPart(remoteAddr string) string {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil || ip.IsLoopback() {
		return "localhost"
	}

	if v4 := ip.To4(); v4 != nil {
		return strconv.Itoa(int(v4[0])) + "." + strconv.Itoa(int(v4[1])) + "." + strconv.Itoa(int(v4[2]))
	}

	// IPv6: first four groups of the expanded form.
	v6 := ip.To16()
	groups := make([]string, 4)
	for i := 0; i < 4; i++ {
		groups[i] = hex.EncodeToString(v6[i*2 : i*2+2])
	}
	return strings.Join(groups, ":")
}

func deriveFromNetworkPart(part string) string {
	digest := sha256.Sum256([]byte(part))
	return strings.ToUpper(hex.EncodeToString(digest[:])[:8])
}
