package federation

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Signer signs outbound federation requests with the instance key using
// draft-cavage HTTP signatures (rsa-sha256), the scheme fediverse servers
// interoperate on.
type Signer struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewSigner parses an RSA private key in PEM form. keyID is the URI remote
// servers dereference to obtain the matching public key.
func NewSigner(keyID string, privPEM []byte) (*Signer, error) {
	block, _ := pem.Decode(privPEM)
	if block == nil {
		return nil, fmt.Errorf("signer: no PEM block in key material")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signer: parse PKCS1 key: %w", err)
		}
		key = parsed
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("signer: parse PKCS8 key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signer: key is %T, want RSA", parsed)
		}
		key = rsaKey
	default:
		return nil, fmt.Errorf("signer: unsupported PEM block %q", block.Type)
	}

	return &Signer{keyID: keyID, key: key}, nil
}

// KeyID returns the signer's key id URI.
func (s *Signer) KeyID() string { return s.keyID }

// PublicKeyPEM returns the signer's public key in PEM form, for publishing
// on the instance actor.
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("signer: marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Sign adds Date, Digest (when body is non-nil) and Signature headers to req.
func (s *Signer) Sign(req *http.Request, body []byte) error {
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	headers := []string{"(request-target)", "host", "date"}
	if body != nil {
		digest := sha256.Sum256(body)
		req.Header.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(digest[:]))
		headers = append(headers, "digest")
	}

	signingString := buildSigningString(req, headers)
	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, hashed[:])
	if err != nil {
		return fmt.Errorf("signer: sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(
		`keyId=%q,algorithm="rsa-sha256",headers=%q,signature=%q`,
		s.keyID,
		strings.Join(headers, " "),
		base64.StdEncoding.EncodeToString(sig),
	))
	return nil
}

// VerifyRequest checks a signed request against the supplied public key, the
// check an inbox performs on inbound activities. It verifies the Signature
// header over the headers it names and, when present, the Digest header
// against body.
func VerifyRequest(req *http.Request, body []byte, pubPEM string) error {
	params := parseSignatureHeader(req.Header.Get("Signature"))
	sigB64, ok := params["signature"]
	if !ok {
		return fmt.Errorf("verify: missing signature header")
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("verify: malformed signature: %w", err)
	}

	headers := strings.Fields(params["headers"])
	if len(headers) == 0 {
		headers = []string{"date"}
	}

	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return fmt.Errorf("verify: no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("verify: parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("verify: key is %T, want RSA", parsed)
	}

	if digest := req.Header.Get("Digest"); digest != "" && body != nil {
		sum := sha256.Sum256(body)
		want := "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
		if digest != want {
			return fmt.Errorf("verify: digest mismatch")
		}
	}

	signingString := buildSigningString(req, headers)
	hashed := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, hashed[:], sig); err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	return nil
}

func buildSigningString(req *http.Request, headers []string) string {
	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		switch h {
		case "(request-target)":
			target := req.URL.Path
			if target == "" {
				target = "/"
			}
			if req.URL.RawQuery != "" {
				target += "?" + req.URL.RawQuery
			}
			lines = append(lines, "(request-target): "+strings.ToLower(req.Method)+" "+target)
		case "host":
			host := req.Host
			if host == "" {
				host = req.URL.Host
			}
			lines = append(lines, "host: "+host)
		default:
			lines = append(lines, h+": "+req.Header.Get(h))
		}
	}
	return strings.Join(lines, "\n")
}

func parseSignatureHeader(header string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		params[key] = strings.Trim(value, `"`)
	}
	return params
}
