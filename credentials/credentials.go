// Package credentials provisions the TLS key material used for automatic
// agent enrollment.
package credentials

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

const (
	keyBits      = 4096
	validityDays = 3650
)

// EnsureKeyPair generates the enrollment private key and self-signed
// certificate when none exist yet. An existing key file makes the whole call
// a no-op, so a restarted container keeps the credentials its agents already
// enrolled against.
func EnsureKeyPair(fsys afero.Fs, keyPath, certPath, commonName string, log logrus.FieldLogger) error {
	exists, err := afero.Exists(fsys, keyPath)
	if err != nil {
		return errors.Wrapf(err, "stat %s", keyPath)
	}
	if exists {
		log.WithField("key", keyPath).Debug("Enrollment key already present, skipping generation")
		return nil
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return errors.Wrap(err, "generate RSA key")
	}

	certDER, err := selfSignedCert(key, commonName)
	if err != nil {
		return err
	}

	if err := fsys.MkdirAll(filepath.Dir(keyPath), 0o750); err != nil {
		return errors.Wrapf(err, "mkdir %s", filepath.Dir(keyPath))
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := afero.WriteFile(fsys, keyPath, keyPEM, 0o600); err != nil {
		return errors.Wrapf(err, "write %s", keyPath)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if err := afero.WriteFile(fsys, certPath, certPEM, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", certPath)
	}

	log.WithField("cn", commonName).WithField("cert", certPath).Info("Generated enrollment credentials")
	return nil
}

func selfSignedCert(key *rsa.PrivateKey, commonName string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "generate certificate serial")
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "create self-signed certificate")
	}
	return der, nil
}
