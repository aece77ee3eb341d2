package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

type Config struct {
	APIListenAddress    string
	APIEnableAccessLogs bool
	APITLS              TLSSpec
	CORSAllowAll        bool

	// RouterURL is the AMQP endpoint switch agents are reachable through.
	// Empty runs against an in-process router with DemoSwitches simulated
	// switches.
	RouterURL    string
	RouterTLS    TLSSpec
	DemoSwitches int

	ConfigFile         string
	LogLevel           string
	ReportLoggingLevel string
	EnableProfile      bool
}

// TLSSpec names the PEM files used for one TLS endpoint.
type TLSSpec struct {
	CA         string
	Cert       string
	Key        string
	SkipVerify bool
}

func (t TLSSpec) hasCert() bool {
	return t.Cert != ""
}

func (t TLSSpec) config() (*tls.Config, error) {
	if t.hasCert() != (t.Key != "") {
		return nil, errors.New("tls certificate and key must be given together")
	}
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.SkipVerify,
	}
	if t.CA != "" && !t.SkipVerify {
		pool, err := loadCertPool(t.CA)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}
	if t.hasCert() {
		pair, err := tls.LoadX509KeyPair(t.Cert, t.Key)
		if err != nil {
			return nil, fmt.Errorf("loading key pair %s: %w", t.Cert, err)
		}
		config.Certificates = []tls.Certificate{pair}
	}
	return config, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
