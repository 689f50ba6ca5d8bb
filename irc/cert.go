package irc

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"os"
)

var (
	pemBegin = []byte("-----BEGIN")
	pemEnd   = []byte("-----END")
)

// LoadClientCert reads a PEM bundle holding exactly two blocks: the private
// key first, then the certificate. The key block must begin at byte offset 0;
// a missing or mis-ordered block is an *AuthError for the network. A
// permissive PEM parser would accept orderings this bundle format forbids,
// hence the manual scan.
func LoadClientCert(network, path string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, &AuthError{Network: network, Reason: fmt.Sprintf("read client cert %s: %v", path, err)}
	}

	key, rest, err := cutPEMBlock(data)
	if err != nil {
		return tls.Certificate{}, &AuthError{Network: network, Reason: "client cert bundle: " + err.Error()}
	}
	if !bytes.HasPrefix(data, pemBegin) || len(key) == 0 {
		return tls.Certificate{}, &AuthError{Network: network, Reason: "client cert bundle: private key block must start at offset 0"}
	}

	certStart := bytes.Index(rest, pemBegin)
	if certStart < 0 {
		return tls.Certificate{}, &AuthError{Network: network, Reason: "client cert bundle: certificate block missing after private key"}
	}
	cert, _, err := cutPEMBlock(rest[certStart:])
	if err != nil {
		return tls.Certificate{}, &AuthError{Network: network, Reason: "client cert bundle: " + err.Error()}
	}

	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return tls.Certificate{}, &AuthError{Network: network, Reason: fmt.Sprintf("client cert bundle: %v", err)}
	}
	return pair, nil
}

// cutPEMBlock returns the first BEGIN..END block of data (boundary lines
// included) and whatever follows it.
func cutPEMBlock(data []byte) (block, rest []byte, err error) {
	begin := bytes.Index(data, pemBegin)
	if begin < 0 {
		return nil, nil, fmt.Errorf("no BEGIN boundary found")
	}
	end := bytes.Index(data[begin:], pemEnd)
	if end < 0 {
		return nil, nil, fmt.Errorf("no END boundary found")
	}
	end += begin
	// Block runs through the end of the END boundary line.
	nl := bytes.IndexByte(data[end:], '\n')
	if nl < 0 {
		return data[begin:], nil, nil
	}
	stop := end + nl + 1
	return data[begin:stop], data[stop:], nil
}
