package security

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"
)

// Certificate states.
const (
	StatusValid    = "valid"
	StatusExpiring = "expiring"
	StatusExpired  = "expired"
)

// ExpiryWarning is how close to NotAfter a certificate counts as expiring.
const ExpiryWarning = 30 * 24 * time.Hour

const dialTimeout = 10 * time.Second

// ErrNotTLS is returned for endpoints that are not https URLs.
var ErrNotTLS = errors.New("security: endpoint does not use TLS")

// CertStatus describes the leaf certificate of an endpoint.
type CertStatus struct {
	Endpoint string
	Status   string
	DaysLeft int
	Issuer   string
	NotAfter time.Time
}

// Check dials endpoint and reports on its leaf certificate, classified
// against now.
func Check(ctx context.Context, endpoint string, insecureSkipVerify bool, now time.Time) (CertStatus, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "https" {
		return CertStatus{}, ErrNotTLS
	}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: insecureSkipVerify, //nolint:gosec
		},
	}
	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return CertStatus{}, fmt.Errorf("security: dial %s: %w", host, err)
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		return CertStatus{}, fmt.Errorf("security: %s presented no certificate", host)
	}

	leaf := peerCerts[0]
	left := leaf.NotAfter.Sub(now)
	cs := CertStatus{
		Endpoint: endpoint,
		DaysLeft: int(math.Floor(left.Hours() / 24)),
		Issuer:   leaf.Issuer.CommonName,
		NotAfter: leaf.NotAfter.UTC(),
	}
	switch {
	case left <= 0:
		cs.Status = StatusExpired
	case left <= ExpiryWarning:
		cs.Status = StatusExpiring
	default:
		cs.Status = StatusValid
	}
	return cs, nil
}
