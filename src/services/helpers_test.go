package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync"
	"testing"
	"time"
)

type fakeProcess struct {
	done chan error
}

func (p *fakeProcess) Wait() error {
	return <-p.done
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	output   string
	err      error
	startErr error
	process  *fakeProcess
}

func (f *fakeRunner) record(name string, args []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	f.record(name, args)
	return f.output, f.err
}

func (f *fakeRunner) Start(_ context.Context, name string, args ...string) (Process, error) {
	f.record(name, args)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return f.process, nil
}

func (f *fakeRunner) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

// generateCertPEM 生成一个指定过期时间的自签名证书
func generateCertPEM(t *testing.T, hostname string, notAfter time.Time) []byte {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: hostname},
		DNSNames:     []string{hostname},
		NotBefore:    notAfter.Add(-90 * 24 * time.Hour),
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
