// Package certificate implements verification by a signature made with a
// key bound to an X.509 certificate issued to the filing subject.
//
// The leaf certificate must chain to a configured root, be valid at request
// time and carry the subject's taxpayer id in the subject serialNumber
// attribute. The signed message is ChallengeMessage for an issued nonce, or
// PresignedMessage when the proof arrives with the method selection.
package certificate

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"efiling/internal/filing/models"
	"efiling/internal/filing/verification"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/requestcontext"
)

type payload struct {
	Nonce   string        `json:"nonce"`
	Subject id.TaxpayerID `json:"subject"`
}

type Adapter struct {
	roots  *x509.CertPool
	window time.Duration
}

func New(roots *x509.CertPool, window time.Duration) *Adapter {
	if roots == nil {
		roots = x509.NewCertPool()
	}
	return &Adapter{roots: roots, window: window}
}

// LoadRoots reads PEM encoded trust anchors from path.
func LoadRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trusted roots: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// ChallengeMessage is what the holder signs to answer an issued nonce.
func ChallengeMessage(filingID id.FilingID, nonce string) []byte {
	return []byte("efiling:" + filingID.String() + ":" + nonce)
}

// PresignedMessage is what the holder signs to verify without a round trip.
func PresignedMessage(filingID id.FilingID) []byte {
	return []byte("efiling:" + filingID.String())
}

func (a *Adapter) Method() models.Method { return models.MethodCertificate }

func (a *Adapter) Initiate(ctx context.Context, req verification.InitiateRequest) (*verification.Handle, error) {
	now := requestcontext.Now(ctx)
	nonce, err := newNonce()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate nonce")
	}
	raw, err := json.Marshal(payload{Nonce: nonce, Subject: req.Subject})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode certificate payload")
	}
	h := &verification.Handle{ExpiresAt: now.Add(a.window), Payload: raw}

	if req.Proof != nil {
		res := a.verify(now, req.Subject, req.Proof.CertificatePEM, req.Proof.Signature, PresignedMessage(req.FilingID))
		if res.Status != verification.ChallengeComplete {
			return nil, dErrors.New(dErrors.CodeInvalidIdentity, res.Reason)
		}
		h.Completed = true
		return h, nil
	}
	h.RequiresChallenge = true
	h.Prompt = verification.Prompt{Nonce: nonce}
	return h, nil
}

func (a *Adapter) Challenge(ctx context.Context, session *models.Session, raw []byte, input verification.ChallengeInput) (verification.ChallengeResult, error) {
	if strings.TrimSpace(input.CertificatePEM) == "" || strings.TrimSpace(input.Signature) == "" {
		return verification.ChallengeResult{}, dErrors.New(dErrors.CodeValidation, "certificate and signature are required")
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return verification.ChallengeResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "corrupt certificate payload")
	}
	msg := ChallengeMessage(session.FilingID, p.Nonce)
	return a.verify(requestcontext.Now(ctx), p.Subject, input.CertificatePEM, input.Signature, msg), nil
}

func (a *Adapter) Resend(context.Context, *models.Session, []byte) (*verification.Handle, error) {
	return nil, verification.ErrResendUnsupported
}

func (a *Adapter) verify(now time.Time, subject id.TaxpayerID, certPEM, signature string, msg []byte) verification.ChallengeResult {
	leaf, intermediates, err := parseChain(certPEM)
	if err != nil {
		return verification.Failed("malformed certificate")
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         a.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return verification.Failed("untrusted certificate")
	}
	if leaf.Subject.SerialNumber != string(subject) {
		return verification.Failed("certificate does not belong to the filing subject")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return verification.Failed("malformed signature")
	}
	alg, ok := signatureAlgorithm(leaf.PublicKey)
	if !ok {
		return verification.Failed("unsupported key type")
	}
	if err := leaf.CheckSignature(alg, msg, sig); err != nil {
		return verification.Failed("invalid signature")
	}
	return verification.Complete()
}

// parseChain reads the leaf and any intermediates that follow it.
func parseChain(data string) (*x509.Certificate, *x509.CertPool, error) {
	rest := []byte(data)
	var leaf *x509.Certificate
	intermediates := x509.NewCertPool()
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
			return nil, nil, err
		}
		if leaf == nil {
			leaf = cert
			continue
		}
		intermediates.AddCert(cert)
	}
	if leaf == nil {
		return nil, nil, fmt.Errorf("no certificate in input")
	}
	return leaf, intermediates, nil
}

func signatureAlgorithm(pub any) (x509.SignatureAlgorithm, bool) {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256, true
	case *rsa.PublicKey:
		return x509.SHA256WithRSA, true
	case ed25519.PublicKey:
		return x509.PureEd25519, true
	}
	return x509.UnknownSignatureAlgorithm, false
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
