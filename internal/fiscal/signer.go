package fiscal

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/Wandeon/FiskAI-App-sub000/internal/certstore"
	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
)

const (
	signatureNamespace     = "http://www.w3.org/2000/09/xmldsig#"
	canonicalizationMethod = "http://www.w3.org/TR/2001/REC-xml-c14n-20010315"
	signatureMethod        = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	envelopedTransform     = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"
	digestMethod           = "http://www.w3.org/2001/04/xmlenc#sha256"
)

type algorithm struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type signatureReference struct {
	URI          string      `xml:"URI,attr"`
	Transforms   []algorithm `xml:"Transforms>Transform"`
	DigestMethod algorithm   `xml:"DigestMethod"`
	DigestValue  string      `xml:"DigestValue"`
}

type signedInfo struct {
	XMLName                xml.Name           `xml:"SignedInfo"`
	CanonicalizationMethod algorithm          `xml:"CanonicalizationMethod"`
	SignatureMethod        algorithm          `xml:"SignatureMethod"`
	Reference              signatureReference `xml:"Reference"`
}

type x509Data struct {
	X509Certificate string `xml:"X509Certificate"`
}

type keyInfo struct {
	X509Data x509Data `xml:"X509Data"`
}

type signatureBlock struct {
	XMLName        xml.Name   `xml:"Signature"`
	Namespace      string     `xml:"xmlns,attr"`
	SignedInfo     signedInfo `xml:"SignedInfo"`
	SignatureValue string     `xml:"SignatureValue"`
	KeyInfo        keyInfo    `xml:"KeyInfo"`
}

// Sign computes an enveloped RSA-SHA256 signature over the document and
// appends the signature block as the last child of the signed root. The
// digest covers the document exactly as passed in; the signature element is
// added afterwards, so it never signs itself.
func Sign(document string, cert *certstore.DecryptedCertificate) (string, error) {
	if cert == nil || cert.PrivateKey == nil {
		return "", &domain.SigningError{Reason: "private key is absent"}
	}
	if cert.Certificate == nil {
		return "", &domain.SigningError{Reason: "certificate is absent"}
	}
	if !cert.PrivateKey.PublicKey.Equal(cert.Certificate.PublicKey) {
		return "", &domain.SigningError{Reason: "private key does not match certificate"}
	}

	docDigest := sha256.Sum256([]byte(document))
	si := buildSignedInfo(base64.StdEncoding.EncodeToString(docDigest[:]))

	siBytes, err := xml.Marshal(si)
	if err != nil {
		return "", &domain.SigningError{Reason: "marshal SignedInfo", Err: err}
	}

	siDigest := sha256.Sum256(siBytes)
	signature, err := rsa.SignPKCS1v15(rand.Reader, cert.PrivateKey, crypto.SHA256, siDigest[:])
	if err != nil {
		return "", &domain.SigningError{Reason: "RSA signature", Err: err}
	}

	block := signatureBlock{
		Namespace:      signatureNamespace,
		SignedInfo:     si,
		SignatureValue: base64.StdEncoding.EncodeToString(signature),
		KeyInfo: keyInfo{
			X509Data: x509Data{
				// Raw DER, base64, no PEM headers.
				X509Certificate: base64.StdEncoding.EncodeToString(cert.Certificate.Raw),
			},
		},
	}

	blockBytes, err := xml.Marshal(block)
	if err != nil {
		return "", &domain.SigningError{Reason: "marshal signature block", Err: err}
	}

	closing := strings.LastIndex(document, "</")
	if closing < 0 {
		return "", &domain.SigningError{Reason: "document has no closing root element"}
	}

	return document[:closing] + string(blockBytes) + document[closing:], nil
}

// Verify checks an enveloped signature against the embedded digest and the
// given certificate's public key. Used by tests and by support tooling to
// validate stored signed snapshots.
func Verify(signedDocument string, cert *x509.Certificate) error {
	start := strings.Index(signedDocument, "<Signature")
	end := strings.Index(signedDocument, "</Signature>")
	if start < 0 || end < 0 {
		return fmt.Errorf("fiscal: document carries no signature block")
	}
	end += len("</Signature>")

	blockXML := signedDocument[start:end]
	stripped := signedDocument[:start] + signedDocument[end:]

	var block signatureBlock
	if err := xml.Unmarshal([]byte(blockXML), &block); err != nil {
		return fmt.Errorf("fiscal: parse signature block: %w", err)
	}

	docDigest := sha256.Sum256([]byte(stripped))
	if base64.StdEncoding.EncodeToString(docDigest[:]) != block.SignedInfo.Reference.DigestValue {
		return fmt.Errorf("fiscal: document digest mismatch")
	}

	// Rebuild SignedInfo the same way Sign rendered it so the verified bytes
	// match the signed bytes.
	siBytes, err := xml.Marshal(buildSignedInfo(block.SignedInfo.Reference.DigestValue))
	if err != nil {
		return fmt.Errorf("fiscal: marshal SignedInfo: %w", err)
	}

	signature, err := base64.StdEncoding.DecodeString(block.SignatureValue)
	if err != nil {
		return fmt.Errorf("fiscal: decode signature value: %w", err)
	}

	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("fiscal: certificate public key is not RSA")
	}

	siDigest := sha256.Sum256(siBytes)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, siDigest[:], signature); err != nil {
		return fmt.Errorf("fiscal: signature verification failed: %w", err)
	}

	return nil
}

func buildSignedInfo(digestValue string) signedInfo {
	return signedInfo{
		CanonicalizationMethod: algorithm{Algorithm: canonicalizationMethod},
		SignatureMethod:        algorithm{Algorithm: signatureMethod},
		Reference: signatureReference{
			URI:          "",
			Transforms:   []algorithm{{Algorithm: envelopedTransform}},
			DigestMethod: algorithm{Algorithm: digestMethod},
			DigestValue:  digestValue,
		},
	}
}
