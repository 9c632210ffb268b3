// Package pki provides TLS configuration helpers for mutual TLS (mTLS)
// between zfsapid peers.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewClientTLSConfig builds a TLS 1.3 config for a client connecting to
// the streaming socket's TCP listener, with mutual authentication.
func NewClientTLSConfig(caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
	}, nil
}

// NewServerTLSConfig builds a TLS 1.3 config for the streaming socket's
// TCP listener, requiring and verifying a client certificate.
func NewServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	caPool, err := loadCACertPool(caCertPath)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
