package provider

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCertificate is returned when certificate data cannot be decoded.
var ErrInvalidCertificate = errors.New("invalid certificate data")

// ParseCertificate decodes a certificate delivered by a provider, either as
// PEM or as base64 DER, and summarises it.
func ParseCertificate(data string) (*CertificateInfo, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, ErrInvalidCertificate
	}

	var der []byte
	if block, _ := pem.Decode([]byte(data)); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, ErrInvalidCertificate
		}
		der = block.Bytes
	} else {
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
		}
		der = raw
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return &CertificateInfo{
		CommonName:   cert.Subject.CommonName,
		Subject:      subjectString(cert.Subject),
		Issuer:       subjectString(cert.Issuer),
		SerialNumber: hex.EncodeToString(cert.SerialNumber.Bytes()),
		NotBefore:    cert.NotBefore.UTC(),
		NotAfter:     cert.NotAfter.UTC(),
		Raw:          der,
	}, nil
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	if name.SerialNumber != "" {
		parts = append(parts, "SERIALNUMBER="+name.SerialNumber)
	}
	return strings.Join(parts, ", ")
}

// CommonNameFromDN extracts the CN attribute from a textual distinguished
// name such as "CN=Jane Doe, O=Example". It returns "" when absent.
func CommonNameFromDN(dn string) string {
	for _, part := range strings.Split(dn, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), "CN") {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
