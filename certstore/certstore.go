// Package certstore loads a pre-built server certificate and private key
// for TLS termination (§3 ServerCert). Certificate authority generation
// and OS trust-store installation are explicit external collaborators
// (§1) and are not implemented here.
package certstore

import "crypto/tls"

// Load reads a PEM certificate and private key pair from disk and
// returns it ready for use as a TLS server certificate.
func Load(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
