package appstore

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrAnchorsUnavailable is returned when no trust anchor could be found at the
// configured locations. It is distinct from a malformed certificate error.
var ErrAnchorsUnavailable = errors.New("trust anchors unavailable")

// AnchorStore loads the root certificates that signed transaction chains must terminate at
type AnchorStore interface {
	// Load returns the trust anchors or ErrAnchorsUnavailable.
	// Implementations must be safe for concurrent use.
	Load() ([]*x509.Certificate, error)
}

var anchorExtensions = map[string]bool{
	".cer": true,
	".crt": true,
	".der": true,
	".pem": true,
}

// FileAnchorStore loads PEM or DER certificates from files and directories.
// The result of the first Load is cached for the process lifetime.
type FileAnchorStore struct {
	paths []string

	once  sync.Once
	certs []*x509.Certificate
	err   error
}

// NewFileAnchorStore creates an anchor store over the given files or directories.
// Missing paths are skipped.
func NewFileAnchorStore(paths ...string) *FileAnchorStore {
	return &FileAnchorStore{paths: paths}
}

// Load implements AnchorStore
func (s *FileAnchorStore) Load() ([]*x509.Certificate, error) {
	s.once.Do(func() {
		s.certs, s.err = loadAnchorPaths(s.paths)
	})
	return s.certs, s.err
}

func loadAnchorPaths(paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat anchor path %s: %w", path, err)
		}

		files := []string{path}
		if info.IsDir() {
			entries, err := os.ReadDir(path)
			if err != nil {
				return nil, fmt.Errorf("read anchor dir %s: %w", path, err)
			}
			files = files[:0]
			for _, e := range entries {
				if !e.IsDir() && anchorExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
					files = append(files, filepath.Join(path, e.Name()))
				}
			}
		}

		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("read anchor %s: %w", file, err)
			}
			parsed, err := ParseCertificates(data)
			if err != nil {
				return nil, fmt.Errorf("parse anchor %s: %w", file, err)
			}
			certs = append(certs, parsed...)
		}
	}

	if len(certs) == 0 {
		return nil, ErrAnchorsUnavailable
	}
	return certs, nil
}

// ParseCertificates parses one or more PEM CERTIFICATE blocks, or a single DER certificate
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, err
	}
	return []*x509.Certificate{cert}, nil
}

// StaticAnchorStore serves a fixed set of in-memory anchors
type StaticAnchorStore struct {
	certs []*x509.Certificate
}

// NewStaticAnchorStore creates an anchor store over certs
func NewStaticAnchorStore(certs ...*x509.Certificate) *StaticAnchorStore {
	return &StaticAnchorStore{certs: certs}
}

// Load implements AnchorStore
func (s *StaticAnchorStore) Load() ([]*x509.Certificate, error) {
	if len(s.certs) == 0 {
		return nil, ErrAnchorsUnavailable
	}
	return s.certs, nil
}
